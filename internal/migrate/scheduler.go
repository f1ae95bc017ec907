package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Migrator is the per-database unit of work the scheduler fans out.
type Migrator interface {
	Migrate(ctx context.Context, db string) error
}

// Result is one database's terminal state after the migration stage.
type Result struct {
	Database string
	Err      error
	Duration time.Duration
}

// Scheduler runs database migrations with a bounded number in flight.
// A failure is recorded and never cancels sibling migrations.
type Scheduler struct {
	migrator    Migrator
	maxParallel int
	log         logrus.FieldLogger
}

func NewScheduler(migrator Migrator, maxParallel int, log logrus.FieldLogger) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{migrator: migrator, maxParallel: maxParallel, log: log}
}

// Run migrates all databases and returns a result per database, in input
// order. It returns once every database has reached a terminal state.
func (s *Scheduler) Run(ctx context.Context, dbs []string) []Result {
	results := make([]Result, len(dbs))
	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup

	for i, db := range dbs {
		wg.Add(1)
		go func(idx int, database string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			err := s.migrator.Migrate(ctx, database)
			results[idx] = Result{Database: database, Err: err, Duration: time.Since(start)}
			if err != nil {
				s.log.WithField("db", database).WithError(err).Error("database migration failed")
			} else {
				s.log.WithField("db", database).Info("database migration complete")
			}
		}(i, db)
	}
	wg.Wait()
	return results
}
