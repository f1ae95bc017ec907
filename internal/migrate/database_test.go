package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/pgtool"
	"github.com/bixority/pg-migrate/internal/state"
)

// recordingRunner captures every tool invocation and can be told to fail
// specific tools.
type recordingRunner struct {
	mu       sync.Mutex
	commands []pgtool.Command
	fail     map[string]error
	onRun    func(cmd pgtool.Command)
}

func (r *recordingRunner) Run(_ context.Context, cmd pgtool.Command) (pgtool.Result, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(cmd)
	}
	if err := r.fail[cmd.Name]; err != nil {
		return pgtool.Result{Stderr: err.Error()}, err
	}
	return pgtool.Result{}, nil
}

func (r *recordingRunner) calls(tool string) []pgtool.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pgtool.Command
	for _, c := range r.commands {
		if c.Name == tool {
			out = append(out, c)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Source:      config.Connection{Host: "src", Port: 5432, User: "postgres", Password: "s"},
		Target:      config.Connection{Host: "dst", Port: 5432, User: "postgres", Password: "t", Database: "postgres"},
		Jobs:        2,
		MaxParallel: 2,
		DumpRoot:    filepath.Join(root, "dumps"),
		StateDir:    filepath.Join(root, "state"),
		VerifyDir:   filepath.Join(root, "verify"),
	}
}

func testStore(t *testing.T, cfg *config.Config) *state.Store {
	t.Helper()
	st, err := state.Open(cfg.StateDir)
	require.NoError(t, err)
	return st
}

type createRecorder struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (c *createRecorder) create(_ context.Context, name string) error {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	return c.err
}

func TestMigrateRunsDumpThenRestore(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	runner := &recordingRunner{}
	creator := &createRecorder{}
	m := NewDatabaseMigrator(cfg, st, runner, creator.create, testLogger())

	require.NoError(t, m.Migrate(context.Background(), "appdb"))

	assert.Equal(t, []string{"appdb"}, creator.names)
	require.Len(t, runner.commands, 2)
	assert.Equal(t, "pg_dump", runner.commands[0].Name)
	assert.Equal(t, "pg_restore", runner.commands[1].Name)
	assert.Contains(t, runner.commands[0].Args, cfg.DumpDir("appdb"))

	assert.True(t, st.IsComplete(dbCreatedKey("appdb")))
	assert.True(t, st.IsComplete(dbDumpedKey("appdb")))
	assert.True(t, st.IsComplete(dbRestoredKey("appdb")))
	assert.True(t, st.IsComplete(dbKey("appdb")))
}

func TestMigrateSkipsCompletedSteps(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	require.NoError(t, st.MarkComplete(dbCreatedKey("appdb"), nil))
	require.NoError(t, st.MarkComplete(dbDumpedKey("appdb"), nil))

	runner := &recordingRunner{}
	creator := &createRecorder{}
	m := NewDatabaseMigrator(cfg, st, runner, creator.create, testLogger())

	require.NoError(t, m.Migrate(context.Background(), "appdb"))

	assert.Empty(t, creator.names)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "pg_restore", runner.commands[0].Name)
}

func TestMigrateFullyCompletedDatabaseDoesNothing(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	for _, key := range []string{dbCreatedKey("appdb"), dbDumpedKey("appdb"), dbRestoredKey("appdb")} {
		require.NoError(t, st.MarkComplete(key, nil))
	}

	runner := &recordingRunner{}
	m := NewDatabaseMigrator(cfg, st, runner, (&createRecorder{}).create, testLogger())

	require.NoError(t, m.Migrate(context.Background(), "appdb"))
	assert.Empty(t, runner.commands)
	assert.True(t, st.IsComplete(dbKey("appdb")))
}

func TestMigrateRemovesPartialDumpBeforeRedump(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)

	// Leftover directory from a killed run, with no dumped marker.
	dir := cfg.DumpDir("appdb")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "toc.dat"), []byte("partial"), 0o644))

	runner := &recordingRunner{}
	runner.onRun = func(cmd pgtool.Command) {
		if cmd.Name == "pg_dump" {
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				t.Error("partial dump directory still present when pg_dump started")
			}
		}
	}
	m := NewDatabaseMigrator(cfg, st, runner, (&createRecorder{}).create, testLogger())

	require.NoError(t, m.Migrate(context.Background(), "appdb"))
	require.Len(t, runner.calls("pg_dump"), 1)
}

func TestMigrateDumpFailureLeavesRestoreUnmarked(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	runner := &recordingRunner{fail: map[string]error{"pg_dump": errors.New("connection refused")}}
	m := NewDatabaseMigrator(cfg, st, runner, (&createRecorder{}).create, testLogger())

	err := m.Migrate(context.Background(), "appdb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dump")

	// Creation succeeded and is durable; dump and restore are not.
	assert.True(t, st.IsComplete(dbCreatedKey("appdb")))
	assert.False(t, st.IsComplete(dbDumpedKey("appdb")))
	assert.False(t, st.IsComplete(dbRestoredKey("appdb")))
	assert.False(t, st.IsComplete(dbKey("appdb")))
	assert.Empty(t, runner.calls("pg_restore"))
}

func TestMigrateRestoreFailureKeepsDumpMarker(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	runner := &recordingRunner{fail: map[string]error{"pg_restore": errors.New("deadlock detected")}}
	m := NewDatabaseMigrator(cfg, st, runner, (&createRecorder{}).create, testLogger())

	require.Error(t, m.Migrate(context.Background(), "appdb"))
	assert.True(t, st.IsComplete(dbDumpedKey("appdb")))
	assert.False(t, st.IsComplete(dbRestoredKey("appdb")))

	// A rerun must reuse the dump and only retry the restore.
	retry := &recordingRunner{}
	m2 := NewDatabaseMigrator(cfg, st, retry, (&createRecorder{}).create, testLogger())
	require.NoError(t, m2.Migrate(context.Background(), "appdb"))
	require.Len(t, retry.commands, 1)
	assert.Equal(t, "pg_restore", retry.commands[0].Name)
}

func TestEnsureCreatedIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	creator := &createRecorder{}
	m := NewDatabaseMigrator(cfg, st, &recordingRunner{}, creator.create, testLogger())

	require.NoError(t, m.EnsureCreated(context.Background(), "appdb"))
	require.NoError(t, m.EnsureCreated(context.Background(), "appdb"))
	assert.Equal(t, []string{"appdb"}, creator.names)
}

func TestEnsureCreatedFailureIsNotMarked(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	creator := &createRecorder{err: errors.New("permission denied")}
	m := NewDatabaseMigrator(cfg, st, &recordingRunner{}, creator.create, testLogger())

	require.Error(t, m.EnsureCreated(context.Background(), "appdb"))
	assert.False(t, st.IsComplete(dbCreatedKey("appdb")))
}

func TestDumpSizeAndCleanup(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	m := NewDatabaseMigrator(cfg, st, &recordingRunner{}, (&createRecorder{}).create, testLogger())

	dir := cfg.DumpDir("appdb")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "toc.dat"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.dat.gz"), make([]byte, 50), 0o644))

	assert.Equal(t, int64(150), m.DumpSize("appdb"))

	require.NoError(t, m.CleanupDump("appdb"))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(0), m.DumpSize("appdb"))
}
