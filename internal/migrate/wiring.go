package migrate

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/globals"
	"github.com/bixority/pg-migrate/internal/pg"
	"github.com/bixority/pg-migrate/internal/pgtool"
	"github.com/bixority/pg-migrate/internal/state"
	"github.com/bixority/pg-migrate/internal/tuning"
	"github.com/bixority/pg-migrate/internal/verify"
)

// ProductionDeps wires the orchestrator's collaborators against real
// servers and real client tools.
func ProductionDeps(cfg *config.Config, st *state.Store, runner pgtool.Runner, log logrus.FieldLogger) Deps {
	return Deps{
		Discover: func(ctx context.Context) ([]string, error) {
			client, err := pg.Connect(ctx, cfg.Source, log)
			if err != nil {
				return nil, err
			}
			defer client.Close(ctx)
			return client.ListDatabases(ctx)
		},
		Tuner:    tuning.New(&targetSettings{conn: cfg.Target, log: log}, log),
		Globals:  globals.New(cfg.Source, cfg.Target, cfg.GlobalsPath(), runner, log),
		Migrator: NewDatabaseMigrator(cfg, st, runner, targetCreate(cfg.Target, log), log),
		Verifier: verify.New(cfg.Source, cfg.Target, verify.PgCounts(log), log),
	}
}

// targetCreate dials the target per call so parallel migrators never
// share a connection.
func targetCreate(conn config.Connection, log logrus.FieldLogger) CreateFunc {
	return func(ctx context.Context, name string) error {
		client, err := pg.Connect(ctx, conn, log)
		if err != nil {
			return err
		}
		defer client.Close(ctx)
		return client.CreateDatabase(ctx, name)
	}
}

// targetSettings implements tuning.Settings with a fresh connection per
// operation.
type targetSettings struct {
	conn config.Connection
	log  logrus.FieldLogger
}

func (s *targetSettings) ShowSetting(ctx context.Context, name string) (string, error) {
	client, err := pg.Connect(ctx, s.conn, s.log)
	if err != nil {
		return "", err
	}
	defer client.Close(ctx)
	return client.ShowSetting(ctx, name)
}

func (s *targetSettings) SetSetting(ctx context.Context, name, value string) error {
	client, err := pg.Connect(ctx, s.conn, s.log)
	if err != nil {
		return err
	}
	defer client.Close(ctx)
	return client.SetSetting(ctx, name, value)
}

func (s *targetSettings) ReloadConf(ctx context.Context) error {
	client, err := pg.Connect(ctx, s.conn, s.log)
	if err != nil {
		return err
	}
	defer client.Close(ctx)
	return client.ReloadConf(ctx)
}
