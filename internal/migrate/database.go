package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/pgtool"
	"github.com/bixority/pg-migrate/internal/state"
)

// CreateFunc creates an empty database on the target server. A database
// that already exists must not be an error.
type CreateFunc func(ctx context.Context, name string) error

// DatabaseMigrator moves one database: create on target, dump from source
// into a directory-format artifact, restore into target. Every step is
// gated by its own state sub-key so a crash mid-step never repeats the
// steps that already completed.
type DatabaseMigrator struct {
	cfg    *config.Config
	state  *state.Store
	runner pgtool.Runner
	create CreateFunc
	log    logrus.FieldLogger
}

func NewDatabaseMigrator(cfg *config.Config, st *state.Store, runner pgtool.Runner, create CreateFunc, log logrus.FieldLogger) *DatabaseMigrator {
	return &DatabaseMigrator{cfg: cfg, state: st, runner: runner, create: create, log: log}
}

// EnsureCreated creates the database on the target unless its sub-key
// says that already happened.
func (m *DatabaseMigrator) EnsureCreated(ctx context.Context, db string) error {
	if m.state.IsComplete(dbCreatedKey(db)) {
		return nil
	}
	if err := m.create(ctx, db); err != nil {
		return fmt.Errorf("create database %q on target: %w", db, err)
	}
	return m.state.MarkComplete(dbCreatedKey(db), nil)
}

// Migrate runs the full create/dump/restore sequence for one database.
func (m *DatabaseMigrator) Migrate(ctx context.Context, db string) error {
	log := m.log.WithField("db", db)

	if err := m.EnsureCreated(ctx, db); err != nil {
		return err
	}

	dir := m.cfg.DumpDir(db)
	if m.state.IsComplete(dbDumpedKey(db)) {
		log.Info("dump already complete, skipping")
	} else {
		// An unmarked dump directory is a partial dump from a killed run;
		// pg_dump refuses to write into a non-empty directory, and a
		// partial artifact must never be restored.
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear partial dump for %q: %w", db, err)
		}
		log.WithField("jobs", m.cfg.Jobs).Info("dumping")
		if _, err := m.runner.Run(ctx, pgtool.DumpCommand(m.cfg.Source, db, dir, m.cfg.Jobs)); err != nil {
			return fmt.Errorf("dump %q: %w", db, err)
		}
		if err := m.state.MarkComplete(dbDumpedKey(db), map[string]string{"path": dir}); err != nil {
			return err
		}
	}

	if m.state.IsComplete(dbRestoredKey(db)) {
		log.Info("restore already complete, skipping")
	} else {
		log.WithField("jobs", m.cfg.Jobs).Info("restoring")
		if _, err := m.runner.Run(ctx, pgtool.RestoreCommand(m.cfg.Target, db, dir, m.cfg.Jobs)); err != nil {
			return fmt.Errorf("restore %q: %w", db, err)
		}
		if err := m.state.MarkComplete(dbRestoredKey(db), nil); err != nil {
			return err
		}
	}

	return m.state.MarkComplete(dbKey(db), nil)
}

// DumpSize returns the on-disk size of a database's dump artifact.
func (m *DatabaseMigrator) DumpSize(db string) int64 {
	var size int64
	_ = filepath.WalkDir(m.cfg.DumpDir(db), func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// CleanupDump removes a database's dump artifact after verification.
func (m *DatabaseMigrator) CleanupDump(db string) error {
	if err := os.RemoveAll(m.cfg.DumpDir(db)); err != nil {
		return fmt.Errorf("remove dump for %q: %w", db, err)
	}
	return nil
}
