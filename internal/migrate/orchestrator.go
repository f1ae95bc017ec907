package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/state"
	"github.com/bixority/pg-migrate/internal/tuning"
	"github.com/bixority/pg-migrate/internal/verify"
)

// DiscoverFunc lists the user databases on the source server.
type DiscoverFunc func(ctx context.Context) ([]string, error)

// Tuner manages the target server's fast-restore profile.
type Tuner interface {
	Capture(ctx context.Context) (tuning.Profile, error)
	Apply(ctx context.Context) error
	Revert(ctx context.Context, profile tuning.Profile) error
}

// GlobalsMigrator moves roles and other server-wide objects.
type GlobalsMigrator interface {
	Migrate(ctx context.Context) error
}

// DBMigrator is the per-database migration collaborator.
type DBMigrator interface {
	EnsureCreated(ctx context.Context, db string) error
	Migrate(ctx context.Context, db string) error
	DumpSize(db string) int64
	CleanupDump(db string) error
}

// DatabaseVerifier compares one migrated database across the servers.
type DatabaseVerifier interface {
	Verify(ctx context.Context, db string) (*verify.Report, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Discover DiscoverFunc
	Tuner    Tuner
	Globals  GlobalsMigrator
	Migrator DBMigrator
	Verifier DatabaseVerifier
}

// Orchestrator sequences the migration pipeline:
//
//	prepared → discovered → globals → tuning-applied → databases-created
//	→ databases-migrated → verified → tuning-reverted
//
// Each stage consults the state store before running and records
// completion after, so an interrupted run resumes where it stopped.
// An Orchestrator runs once; build a new one per run.
type Orchestrator struct {
	cfg      *config.Config
	state    *state.Store
	deps     Deps
	log      logrus.FieldLogger
	reverted bool
}

func New(cfg *config.Config, st *state.Store, deps Deps, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{cfg: cfg, state: st, deps: deps, log: log}
}

// Run executes the pipeline. A returned error is a fatal-stage failure
// (discovery, globals, tuning apply); per-database failures are recorded
// in the summary instead. Tuning revert is attempted on every exit path
// once apply has succeeded.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString(), StartTime: time.Now()}
	defer func() {
		summary.EndTime = time.Now()
		summary.DurationSecs = summary.EndTime.Sub(summary.StartTime).Seconds()
	}()

	if err := o.prepare(); err != nil {
		return summary, err
	}

	dbs, err := o.discover(ctx)
	if err != nil {
		return summary, fmt.Errorf("discovery: %w", err)
	}
	summary.TotalDBs = len(dbs)
	if len(dbs) == 0 {
		o.log.Info("no databases to migrate")
		return summary, nil
	}

	if err := o.migrateGlobals(ctx); err != nil {
		return summary, fmt.Errorf("globals: %w", err)
	}

	if err := o.applyTuning(ctx); err != nil {
		return summary, fmt.Errorf("tuning apply: %w", err)
	}
	defer o.revertTuning(ctx, summary)

	results := o.migrateAll(ctx, dbs)
	o.verifyAll(ctx, results, summary)

	o.revertTuning(ctx, summary)
	return summary, nil
}

func (o *Orchestrator) prepare() error {
	if o.state.IsComplete(StagePrepared) {
		return nil
	}
	if err := os.MkdirAll(o.cfg.DumpRoot, 0o755); err != nil {
		return fmt.Errorf("create dump root: %w", err)
	}
	if err := os.MkdirAll(o.cfg.VerifyDir, 0o755); err != nil {
		return fmt.Errorf("create verify dir: %w", err)
	}
	return o.state.MarkComplete(StagePrepared, nil)
}

// discover returns the database list, reusing the recorded one on resume
// so a source-side change between runs cannot desynchronize the per-key
// state.
func (o *Orchestrator) discover(ctx context.Context) ([]string, error) {
	if o.state.IsComplete(StageDiscovered) {
		meta, err := o.state.Metadata(StageDiscovered)
		if err == nil {
			if dbs, err := decodeList(meta["databases"]); err == nil {
				o.log.WithField("count", len(dbs)).Info("resuming with previously discovered databases")
				return dbs, nil
			}
		}
		// Unreadable marker: fall through and discover again.
	}
	dbs, err := o.deps.Discover(ctx)
	if err != nil {
		return nil, err
	}
	o.log.WithField("count", len(dbs)).Info("discovered databases")
	if err := o.state.MarkComplete(StageDiscovered, map[string]string{"databases": encodeList(dbs)}); err != nil {
		return nil, err
	}
	return dbs, nil
}

func (o *Orchestrator) migrateGlobals(ctx context.Context) error {
	if !o.cfg.MigrateGlobals {
		o.log.Info("globals migration disabled")
		return nil
	}
	if o.state.IsComplete(StageGlobals) {
		o.log.Info("globals already migrated, skipping")
		return nil
	}
	if err := o.deps.Globals.Migrate(ctx); err != nil {
		return err
	}
	return o.state.MarkComplete(StageGlobals, nil)
}

// applyTuning captures the original settings durably before the first
// mutation, then applies the fast-restore profile. On resume the stored
// profile is trusted; re-capturing after apply would record the fast
// values as "originals".
func (o *Orchestrator) applyTuning(ctx context.Context) error {
	if o.cfg.SkipTuning {
		o.log.Info("target tuning disabled")
		return nil
	}
	if !o.state.IsComplete(StageTuningProfile) {
		profile, err := o.deps.Tuner.Capture(ctx)
		if err != nil {
			return fmt.Errorf("capture tuning profile: %w", err)
		}
		if err := o.state.MarkComplete(StageTuningProfile, map[string]string(profile)); err != nil {
			return err
		}
	}
	if o.state.IsComplete(StageTuningApplied) {
		o.log.Info("fast-restore tuning already applied, skipping")
		return nil
	}
	if err := o.deps.Tuner.Apply(ctx); err != nil {
		return err
	}
	return o.state.MarkComplete(StageTuningApplied, nil)
}

// revertTuning restores the target's original settings exactly once per
// run, on whichever exit path reaches it first. Failure here is
// best-effort: it is reported loudly but does not change the run outcome.
func (o *Orchestrator) revertTuning(ctx context.Context, summary *Summary) {
	if o.reverted {
		return
	}
	o.reverted = true

	if !o.state.IsComplete(StageTuningApplied) {
		return
	}
	if o.state.IsComplete(StageTuningReverted) {
		summary.TuningReverted = true
		return
	}

	// Revert must run even when the surrounding run was cancelled.
	ctx = context.WithoutCancel(ctx)

	meta, err := o.state.Metadata(StageTuningProfile)
	if err != nil {
		o.log.WithError(err).Error("cannot revert target tuning: captured profile is missing; server remains in fast-restore mode")
		return
	}
	if err := o.deps.Tuner.Revert(ctx, tuning.Profile(meta)); err != nil {
		o.log.WithError(err).Error("failed to revert target tuning; server remains in fast-restore mode")
		return
	}
	if err := o.state.MarkComplete(StageTuningReverted, nil); err != nil {
		o.log.WithError(err).Warn("tuning reverted but marker write failed")
	}
	summary.TuningReverted = true
	o.log.Info("target tuning reverted to original values")
}

// migrateAll runs the creation stage and then fans out dump/restore under
// the scheduler. Per-database failures are isolated into the results.
func (o *Orchestrator) migrateAll(ctx context.Context, dbs []string) []Result {
	createErr := make(map[string]error)
	if o.state.IsComplete(StageDatabasesCreated) {
		o.log.Info("target databases already created, skipping")
	} else {
		for _, db := range dbs {
			if err := o.deps.Migrator.EnsureCreated(ctx, db); err != nil {
				o.log.WithField("db", db).WithError(err).Error("database creation failed")
				createErr[db] = err
			}
		}
		if len(createErr) == 0 {
			if err := o.state.MarkComplete(StageDatabasesCreated, nil); err != nil {
				o.log.WithError(err).Warn("databases created but marker write failed")
			}
		}
	}

	if o.state.IsComplete(StageDatabasesMigrated) {
		o.log.Info("all databases already migrated, skipping")
		results := make([]Result, len(dbs))
		for i, db := range dbs {
			results[i] = Result{Database: db}
		}
		return results
	}

	var runnable []string
	for _, db := range dbs {
		if createErr[db] == nil {
			runnable = append(runnable, db)
		}
	}

	scheduled := NewScheduler(o.deps.Migrator, o.cfg.MaxParallel, o.log).Run(ctx, runnable)

	byName := make(map[string]Result, len(scheduled))
	for _, r := range scheduled {
		byName[r.Database] = r
	}

	failed := len(createErr)
	results := make([]Result, 0, len(dbs))
	for _, db := range dbs {
		if err, ok := createErr[db]; ok {
			results = append(results, Result{Database: db, Err: err})
			continue
		}
		r := byName[db]
		if r.Err != nil {
			failed++
		}
		results = append(results, r)
	}

	if failed == 0 {
		if err := o.state.MarkComplete(StageDatabasesMigrated, nil); err != nil {
			o.log.WithError(err).Warn("databases migrated but marker write failed")
		}
	}
	return results
}

// verifyAll compares every successfully migrated database and fills the
// summary. Verification failures are reported, never retried.
func (o *Orchestrator) verifyAll(ctx context.Context, results []Result, summary *Summary) {
	allVerified := true
	for _, r := range results {
		entry := DatabaseSummary{Database: r.Database, DurationSecs: r.Duration.Seconds()}
		if r.Err != nil {
			entry.Outcome = OutcomeFailed
			entry.Error = r.Err.Error()
			allVerified = false
			summary.add(entry)
			continue
		}

		entry.DumpSizeBytes = o.deps.Migrator.DumpSize(r.Database)
		entry.Outcome = o.verifyOne(ctx, r.Database, &entry)
		if entry.Outcome != OutcomeVerified {
			allVerified = false
		} else if !o.cfg.KeepDumps {
			if err := o.deps.Migrator.CleanupDump(r.Database); err != nil {
				o.log.WithField("db", r.Database).WithError(err).Warn("failed to remove dump artifact")
			}
		}
		summary.add(entry)
	}

	if allVerified && len(results) > 0 && !o.state.IsComplete(StageVerified) {
		if err := o.state.MarkComplete(StageVerified, nil); err != nil {
			o.log.WithError(err).Warn("verification finished but marker write failed")
		}
	}
}

func (o *Orchestrator) verifyOne(ctx context.Context, db string, entry *DatabaseSummary) Outcome {
	if o.state.IsComplete(verifyKey(db)) {
		o.log.WithField("db", db).Info("already verified, skipping")
		return OutcomeVerified
	}

	report, err := o.deps.Verifier.Verify(ctx, db)
	if err != nil {
		o.log.WithField("db", db).WithError(err).Error("verification could not run")
		entry.Error = err.Error()
		return OutcomeUnverified
	}

	o.writeReport(report)
	o.log.WithField("db", db).Info("\n" + verify.Render(report))

	if !report.Verified {
		o.log.WithField("db", db).Error("verification failed: tables or row counts mismatch")
		entry.Error = "tables or row counts mismatch"
		return OutcomeUnverified
	}

	if err := o.state.MarkComplete(verifyKey(db), nil); err != nil {
		o.log.WithField("db", db).WithError(err).Warn("verified but marker write failed")
	}
	o.log.WithField("db", db).Infof("verified: %d tables, all rows match", len(report.Tables))
	return OutcomeVerified
}

func (o *Orchestrator) writeReport(report *verify.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	path := o.cfg.ReportPath(report.Database)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		o.log.WithField("db", report.Database).WithError(err).Warn("failed to write verification report")
	}
}

func encodeList(items []string) string {
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeList(s string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, err
	}
	return items, nil
}
