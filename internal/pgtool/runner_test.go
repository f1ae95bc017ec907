package pgtool

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bixority/pg-migrate/internal/config"
)

func sourceConn() config.Connection {
	return config.Connection{Host: "src.example.com", Port: 5433, User: "replicator", Password: "hunter2"}
}

func targetConn() config.Connection {
	return config.Connection{Host: "dst.example.com", Port: 5432, User: "postgres", Password: "s3cret", Database: "postgres"}
}

func TestDumpCommand(t *testing.T) {
	cmd := DumpCommand(sourceConn(), "appdb", "/tmp/dumps/appdb", 8)

	assert.Equal(t, "pg_dump", cmd.Name)
	assert.Equal(t, "hunter2", cmd.Password)
	assert.Equal(t, []string{
		"-h", "src.example.com",
		"-p", "5433",
		"-U", "replicator",
		"-Fd",
		"-j", "8",
		"-Z", "9",
		"-f", "/tmp/dumps/appdb",
		"appdb",
	}, cmd.Args)
}

func TestRestoreCommand(t *testing.T) {
	cmd := RestoreCommand(targetConn(), "appdb", "/tmp/dumps/appdb", 4)

	assert.Equal(t, "pg_restore", cmd.Name)
	assert.Equal(t, "s3cret", cmd.Password)
	assert.Equal(t, []string{
		"-h", "dst.example.com",
		"-p", "5432",
		"-U", "postgres",
		"-j", "4",
		"--disable-triggers",
		"-d", "appdb",
		"/tmp/dumps/appdb",
	}, cmd.Args)
}

func TestDumpGlobalsCommand(t *testing.T) {
	cmd := DumpGlobalsCommand(sourceConn(), "/tmp/globals.sql")

	assert.Equal(t, "pg_dumpall", cmd.Name)
	assert.Equal(t, []string{
		"-h", "src.example.com",
		"-p", "5433",
		"-U", "replicator",
		"--globals-only",
		"-f", "/tmp/globals.sql",
	}, cmd.Args)
}

func TestApplyScriptCommand(t *testing.T) {
	cmd := ApplyScriptCommand(targetConn(), "/tmp/globals.sql")

	assert.Equal(t, "psql", cmd.Name)
	assert.Equal(t, []string{
		"-h", "dst.example.com",
		"-p", "5432",
		"-U", "postgres",
		"-d", "postgres",
		"-f", "/tmp/globals.sql",
	}, cmd.Args)
}

func TestTruncateStderr(t *testing.T) {
	short := "pg_restore: error: out of memory"
	assert.Equal(t, short, TruncateStderr(short))

	long := strings.Repeat("x", maxStderrBytes+500)
	got := TruncateStderr(long)
	assert.Len(t, got, maxStderrBytes+len("\n... (truncated)"))
	assert.True(t, strings.HasSuffix(got, "... (truncated)"))
}

func TestExecRunnerCapturesStreams(t *testing.T) {
	cmd := Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}}
	res, err := ExecRunner{}.Run(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	cmd := Command{Name: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}
	res, err := ExecRunner{}.Run(context.Background(), cmd)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, res.Stderr, "broken")
}

func TestExecRunnerExportsPassword(t *testing.T) {
	cmd := Command{Name: "sh", Args: []string{"-c", "printf %s \"$PGPASSWORD\""}, Password: "hunter2"}
	res, err := ExecRunner{}.Run(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "hunter2", res.Stdout)
}

func TestCheckTools(t *testing.T) {
	assert.NoError(t, CheckTools("sh"))

	err := CheckTools("sh", "definitely-not-a-real-tool-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-tool-xyz")
	assert.NotContains(t, err.Error(), "[sh")
}
