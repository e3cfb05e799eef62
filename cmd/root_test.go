package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"sync", "analyze", "compute", "summary", "groups", "status", "periods", "migrate", "export", "serve", "run-daily"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "portrait", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestComputeCommand_Flags(t *testing.T) {
	for _, name := range []string{"type", "key", "force", "summary"} {
		assert.NotNil(t, computeCmd.Flags().Lookup(name), "compute should have --%s", name)
	}
	assert.Equal(t, "week", computeCmd.Flags().Lookup("type").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("no-scheduler"))
}

func TestGroupsCommand_HasSyncNames(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"groups", "sync-names"})
	require.NoError(t, err)
	assert.Equal(t, "sync-names", cmd.Name())
}

func TestPeriodsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range periodsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["reset"])
}

// execute runs the root command against a SQLite store in a temp dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("PORTRAIT_STORE_DRIVER", "sqlite")
	t.Setenv("PORTRAIT_STORE_DATABASE_URL", filepath.Join(dir, "portrait.db"))
	t.Setenv("PORTRAIT_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite store is up to date")
}

func TestPeriodsResetCommand_NotComputing(t *testing.T) {
	out, err := execute(t, "periods", "reset", "--type", "week", "--key", "2025-W48")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped (not_computing)")
}

func TestPeriodsResetCommand_BadKey(t *testing.T) {
	_, err := execute(t, "periods", "reset", "--type", "week", "--key", "2025-48")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid period")
}

func TestExportCommand_EmptyPeriod(t *testing.T) {
	_, err := execute(t, "export", "--type", "month", "--key", "2025-11")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshots")
}
