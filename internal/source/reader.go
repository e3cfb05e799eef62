// Package source reads call events from the dialer's operational MySQL
// database. The reader never writes.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/shard"
)

// ErrTableMissing is returned when a resolved shard table does not exist,
// usually because the month has no traffic yet.
var ErrTableMissing = eris.New("source: shard table missing")

// mysqlNoSuchTable is ER_NO_SUCH_TABLE.
const mysqlNoSuchTable = 1146

const sourceTimeLayout = "2006-01-02 15:04:05"

// RawCall is one row of a monthly call-record table.
type RawCall struct {
	ID                int64
	CallID            string
	TaskID            string
	CustomerID        string
	CallDate          time.Time
	DurationMS        int64
	BillMS            int64
	Rounds            int
	LevelName         string
	HangupDisposition int
}

// Reader queries the source database through a shard resolver.
type Reader struct {
	db         *sql.DB
	shards     *shard.Resolver
	groupTable string
	log        *zap.Logger
}

// Open connects to the source described by cfg. The connection is lazy;
// call Ping to check reachability.
func Open(cfg config.SourceConfig) (*Reader, error) {
	if cfg.DSN == "" {
		return nil, eris.New("source: dsn is required")
	}
	dsn := cfg.DSN
	if cfg.Driver == "mysql" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, eris.Wrap(err, "source: parse mysql dsn")
		}
		parsed.ParseTime = true
		dsn = parsed.FormatDSN()
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "source: open")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	shards, err := shard.New(shard.Prefixes{
		Record: cfg.RecordPrefix,
		Detail: cfg.DetailPrefix,
		Number: cfg.NumberPrefix,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return New(db, shards, cfg.GroupTable), nil
}

// New wraps an open database handle.
func New(db *sql.DB, shards *shard.Resolver, groupTable string) *Reader {
	if shards == nil {
		shards = shard.Default()
	}
	if groupTable == "" {
		groupTable = "autodialer_task"
	}
	return &Reader{
		db:         db,
		shards:     shards,
		groupTable: groupTable,
		log:        zap.L().With(zap.String("component", "source")),
	}
}

// Shards returns the resolver used for table names.
func (r *Reader) Shards() *shard.Resolver { return r.shards }

// Ping checks that the source answers within timeout.
func (r *Reader) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := r.db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "source: ping")
	}
	return nil
}

// Close closes the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// FetchCallRecords returns every call placed on date, read from the record
// shard for that month. It returns the table it read.
func (r *Reader) FetchCallRecords(ctx context.Context, date time.Time) ([]RawCall, string, error) {
	day := model.DateOf(date)
	table, err := r.shards.Resolve(shard.KindRecord, day.Format(model.DateLayout))
	if err != nil {
		return nil, "", err
	}

	query := fmt.Sprintf(`SELECT id, callid, task_id, customer_id, calldate,
		COALESCE(duration, 0), COALESCE(bill, 0), COALESCE(rounds, 0),
		COALESCE(level_name, ''), COALESCE(hangup_disposition, 0)
		FROM %s
		WHERE calldate >= ? AND calldate < ?
		ORDER BY id`, table)

	rows, err := r.db.QueryContext(ctx, query,
		day.Format(sourceTimeLayout), day.AddDate(0, 0, 1).Format(sourceTimeLayout))
	if err != nil {
		if isMissingTable(err) {
			return nil, table, eris.Wrapf(ErrTableMissing, "table %s", table)
		}
		return nil, table, eris.Wrapf(err, "source: query %s", table)
	}
	defer rows.Close()

	var calls []RawCall
	for rows.Next() {
		var (
			c    RawCall
			when flexTime
		)
		if err := rows.Scan(&c.ID, &c.CallID, &c.TaskID, &c.CustomerID, &when,
			&c.DurationMS, &c.BillMS, &c.Rounds, &c.LevelName, &c.HangupDisposition); err != nil {
			return nil, table, eris.Wrapf(err, "source: scan %s", table)
		}
		c.CallDate = when.Time
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, table, eris.Wrapf(err, "source: iterate %s", table)
	}

	r.log.Debug("fetched call records",
		zap.String("table", table),
		zap.String("date", day.Format(model.DateLayout)),
		zap.Int("rows", len(calls)),
	)
	return calls, table, nil
}

// FetchDialogue returns the recognized speech turns of one call ordered by
// sequence. anchor picks the monthly detail shard. A missing shard yields no
// turns. maxTurns <= 0 means no limit.
func (r *Reader) FetchDialogue(ctx context.Context, callID string, anchor time.Time, maxTurns int) ([]model.Turn, error) {
	table := r.shards.DetailTable(anchor)

	query := fmt.Sprintf(`SELECT sequence, COALESCE(question, ''), COALESCE(answer_text, '')
		FROM %s
		WHERE callid = ? AND notify = 'asrmessage_notify'
		ORDER BY sequence ASC`, table)
	if maxTurns > 0 {
		query += fmt.Sprintf(" LIMIT %d", maxTurns)
	}

	rows, err := r.db.QueryContext(ctx, query, callID)
	if err != nil {
		if isMissingTable(err) {
			r.log.Warn("detail table missing", zap.String("table", table))
			return nil, nil
		}
		return nil, eris.Wrapf(err, "source: query dialogue %s", callID)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Sequence, &t.Customer, &t.Robot); err != nil {
			return nil, eris.Wrapf(err, "source: scan dialogue %s", callID)
		}
		t.Customer = strings.TrimSpace(t.Customer)
		t.Robot = strings.TrimSpace(t.Robot)
		if t.Customer == "" && t.Robot == "" {
			continue
		}
		turns = append(turns, t)
	}
	return turns, eris.Wrapf(rows.Err(), "source: iterate dialogue %s", callID)
}

// FetchGroupNames reads task names from the dialer's task table.
func (r *Reader) FetchGroupNames(ctx context.Context) ([]model.GroupName, error) {
	query := fmt.Sprintf(`SELECT uuid, COALESCE(name, '') FROM %s WHERE uuid IS NOT NULL`, r.groupTable)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "source: query %s", r.groupTable)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var names []model.GroupName
	for rows.Next() {
		var g model.GroupName
		if err := rows.Scan(&g.GroupID, &g.Name); err != nil {
			return nil, eris.Wrapf(err, "source: scan %s", r.groupTable)
		}
		g.GroupID = strings.TrimSpace(g.GroupID)
		g.Name = strings.TrimSpace(g.Name)
		if g.GroupID == "" || g.Name == "" {
			continue
		}
		g.UpdatedAt = now
		names = append(names, g)
	}
	return names, eris.Wrapf(rows.Err(), "source: iterate %s", r.groupTable)
}

func isMissingTable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoSuchTable
	}
	return strings.Contains(err.Error(), "no such table")
}

// flexTime scans DATETIME columns from drivers that return either
// time.Time or text.
type flexTime struct {
	time.Time
}

var flexLayouts = []string{
	sourceTimeLayout,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	model.DateLayout,
}

func (f *flexTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		f.Time = v
		return nil
	case []byte:
		return f.parse(string(v))
	case string:
		return f.parse(v)
	case nil:
		f.Time = time.Time{}
		return nil
	}
	return eris.Errorf("source: cannot scan %T into time", src)
}

func (f *flexTime) parse(s string) error {
	for _, layout := range flexLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Time = t
			return nil
		}
	}
	return eris.Errorf("source: unparseable time %q", s)
}
