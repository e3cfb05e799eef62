// Package sourcetest builds a throwaway SQLite copy of the dialer schema for
// tests of code that reads the operational database.
package sourcetest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sells-group/portrait-cli/internal/shard"
	"github.com/sells-group/portrait-cli/internal/source"
)

// Call is a row to seed into a call-record shard.
type Call struct {
	ID         int64
	CallID     string
	TaskID     string
	CustomerID string
	At         time.Time
	BillMS     int64
	Rounds     int
	Level      string
	Hangup     int
}

// Turn is a row to seed into a detail shard.
type Turn struct {
	CallID   string
	Sequence int
	Question string
	Answer   string
	Notify   string
}

// DB is a seeded source database.
type DB struct {
	t  *testing.T
	DB *sql.DB
}

// New creates an empty source database with the task table.
func New(t *testing.T) *DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	_, err = db.Exec(`CREATE TABLE autodialer_task (uuid TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	return &DB{t: t, DB: db}
}

// Reader wraps the database in a source reader with default table names.
func (d *DB) Reader() *source.Reader {
	return source.New(d.DB, shard.Default(), "autodialer_task")
}

// AddCalls creates the month's record shard if needed and inserts calls.
func (d *DB) AddCalls(calls ...Call) {
	d.t.Helper()
	for _, c := range calls {
		table := shard.Default().RecordTable(c.At)
		_, err := d.DB.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			callid TEXT NOT NULL,
			task_id TEXT,
			customer_id TEXT,
			calldate DATETIME,
			duration INTEGER,
			bill INTEGER,
			rounds INTEGER,
			level_name TEXT,
			hangup_disposition INTEGER
		)`, table))
		require.NoError(d.t, err)

		_, err = d.DB.Exec(fmt.Sprintf(`INSERT OR REPLACE INTO %s
			(id, callid, task_id, customer_id, calldate, duration, bill, rounds, level_name, hangup_disposition)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
			c.ID, c.CallID, c.TaskID, c.CustomerID, c.At.Format("2006-01-02 15:04:05"),
			c.BillMS+5000, c.BillMS, c.Rounds, c.Level, c.Hangup)
		require.NoError(d.t, err)
	}
}

// AddTurns creates the month's detail shard if needed and inserts turns.
func (d *DB) AddTurns(month time.Time, turns ...Turn) {
	d.t.Helper()
	table := shard.Default().DetailTable(month)
	_, err := d.DB.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		callid TEXT NOT NULL,
		sequence INTEGER,
		notify TEXT,
		question TEXT,
		answer_text TEXT
	)`, table))
	require.NoError(d.t, err)

	for _, tr := range turns {
		notify := tr.Notify
		if notify == "" {
			notify = "asrmessage_notify"
		}
		_, err := d.DB.Exec(fmt.Sprintf(`INSERT INTO %s (callid, sequence, notify, question, answer_text)
			VALUES (?, ?, ?, ?, ?)`, table), tr.CallID, tr.Sequence, notify, tr.Question, tr.Answer)
		require.NoError(d.t, err)
	}
}

// AddGroup inserts or renames a task.
func (d *DB) AddGroup(id, name string) {
	d.t.Helper()
	_, err := d.DB.Exec(`INSERT OR REPLACE INTO autodialer_task (uuid, name) VALUES (?, ?)`, id, name)
	require.NoError(d.t, err)
}
