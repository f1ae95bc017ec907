package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/migrate"
	"github.com/bixority/pg-migrate/internal/pgtool"
	"github.com/bixority/pg-migrate/internal/state"
)

type migrateFlags struct {
	sourceHost     string
	sourcePort     int
	sourceUser     string
	sourcePassword string
	sourceDB       string
	targetHost     string
	targetPort     int
	targetUser     string
	targetPassword string
	targetDB       string
	jobs           int
	maxParallel    int
	dumpRoot       string
	migrateGlobals bool
	keepDumps      bool
	skipTuning     bool
	nonInteractive bool
	summaryFile    string
}

var mFlags migrateFlags

const (
	defaultJobs        = 4
	defaultMaxParallel = 4
	defaultDumpRoot    = "pg_dumps"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the full migration: globals, then every database, then verify",
	Long: `Runs the complete migration workflow:
1. Discover user databases on the source
2. Migrate global objects (roles), filtering out the migration user
3. Apply fast-restore tuning on the target (reverted at the end, always)
4. Create target databases, then dump+restore each one in parallel
5. Verify table sets and row counts per database
Every stage records durable completion markers, so an interrupted run can
be re-executed and resumes where it stopped.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	addConnectionFlags(migrateCmd, &mFlags)

	migrateCmd.Flags().IntVar(&mFlags.jobs, "jobs", defaultJobs, "Parallel workers passed to pg_dump/pg_restore per database")
	migrateCmd.Flags().IntVarP(&mFlags.maxParallel, "max-parallel", "p", defaultMaxParallel, "Max databases migrating concurrently")
	migrateCmd.Flags().StringVar(&mFlags.dumpRoot, "dump-root", defaultDumpRoot, "Directory for dump artifacts (relative paths are under $HOME)")
	migrateCmd.Flags().BoolVar(&mFlags.migrateGlobals, "migrate-globals", true, "Migrate roles and other global objects first")
	migrateCmd.Flags().BoolVar(&mFlags.keepDumps, "keep-dumps", false, "Keep dump artifacts after successful verification")
	migrateCmd.Flags().BoolVar(&mFlags.skipTuning, "skip-tuning", false, "Do not touch the target server's settings")
	migrateCmd.Flags().BoolVar(&mFlags.nonInteractive, "non-interactive", false, "Never prompt; fail if any required value is missing")
	migrateCmd.Flags().StringVar(&mFlags.summaryFile, "summary-file", "migration_summary.json", "File name for the JSON run summary (under dump root)")
}

func addConnectionFlags(cmd *cobra.Command, f *migrateFlags) {
	cmd.Flags().StringVarP(&f.sourceHost, "source-host", "s", "", "Source PostgreSQL host (or SOURCE_HOST env)")
	cmd.Flags().IntVar(&f.sourcePort, "source-port", 0, "Source PostgreSQL port (default 5432, or SOURCE_PORT env)")
	cmd.Flags().StringVar(&f.sourceUser, "source-user", "", "Source PostgreSQL username (or SOURCE_USER env)")
	cmd.Flags().StringVar(&f.sourcePassword, "source-password", "", "Source PostgreSQL password (or SOURCE_PGPASSWORD env)")
	cmd.Flags().StringVar(&f.sourceDB, "source-db", "postgres", "Initial database for the source connection")
	cmd.Flags().StringVarP(&f.targetHost, "target-host", "t", "", "Target PostgreSQL host (or TARGET_HOST env)")
	cmd.Flags().IntVar(&f.targetPort, "target-port", 0, "Target PostgreSQL port (default 5432, or TARGET_PORT env)")
	cmd.Flags().StringVar(&f.targetUser, "target-user", "", "Target PostgreSQL username (or TARGET_USER env)")
	cmd.Flags().StringVar(&f.targetPassword, "target-password", "", "Target PostgreSQL password (or TARGET_PGPASSWORD env)")
	cmd.Flags().StringVar(&f.targetDB, "target-db", "postgres", "Initial database for the target connection")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := pgtool.CheckTools("pg_dump", "pg_restore", "pg_dumpall", "psql"); err != nil {
		return err
	}

	cfg, err := resolveConfig(&mFlags)
	if err != nil {
		return err
	}

	st, err := state.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	log.WithField("dir", st.Dir()).Info("stage completion markers")

	ctx := context.Background()
	deps := migrate.ProductionDeps(cfg, st, pgtool.ExecRunner{}, log)
	orch := migrate.New(cfg, st, deps, log)

	summary, err := orch.Run(ctx)
	fmt.Println()
	fmt.Println(summary.Render())

	summaryPath := filepath.Join(cfg.DumpRoot, mFlags.summaryFile)
	if werr := summary.WriteJSON(summaryPath); werr != nil {
		log.WithError(werr).Warn("failed to write summary file")
	} else {
		fmt.Printf("JSON summary: %s\n", summaryPath)
	}

	if err != nil {
		return fmt.Errorf("migration aborted: %w", err)
	}
	return nil
}

// resolveConfig merges flags, environment and interactive prompts, in
// that order, into a validated Config.
func resolveConfig(f *migrateFlags) (*config.Config, error) {
	// A .env in the working directory is a convenience for repeated runs.
	_ = godotenv.Load()
	resolveEnv(f)

	if !f.nonInteractive {
		if err := promptMissing(f); err != nil {
			return nil, err
		}
	}

	if f.sourcePort == 0 {
		f.sourcePort = config.DefaultPort
	}
	if f.targetPort == 0 {
		f.targetPort = config.DefaultPort
	}
	// Commands that only register connection flags (verify) still go
	// through the same Config; fill the run parameters with the migrate
	// defaults.
	if f.jobs == 0 {
		f.jobs = defaultJobs
	}
	if f.maxParallel == 0 {
		f.maxParallel = defaultMaxParallel
	}
	if f.dumpRoot == "" {
		f.dumpRoot = defaultDumpRoot
	}

	dumpRoot, err := config.ResolveDumpRoot(f.dumpRoot)
	if err != nil {
		return nil, err
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	verifyDir, err := config.VerifyDir()
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		Source: config.Connection{
			Host: f.sourceHost, Port: f.sourcePort, User: f.sourceUser,
			Password: f.sourcePassword, Database: f.sourceDB,
		},
		Target: config.Connection{
			Host: f.targetHost, Port: f.targetPort, User: f.targetUser,
			Password: f.targetPassword, Database: f.targetDB,
		},
		Jobs:           f.jobs,
		MaxParallel:    f.maxParallel,
		DumpRoot:       dumpRoot,
		StateDir:       stateDir,
		VerifyDir:      verifyDir,
		MigrateGlobals: f.migrateGlobals,
		KeepDumps:      f.keepDumps,
		SkipTuning:     f.skipTuning,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveEnv(f *migrateFlags) {
	if f.sourceHost == "" {
		f.sourceHost = os.Getenv("SOURCE_HOST")
	}
	if f.sourcePort == 0 {
		f.sourcePort = envPort("SOURCE_PORT")
	}
	if f.sourceUser == "" {
		f.sourceUser = os.Getenv("SOURCE_USER")
	}
	if f.sourcePassword == "" {
		f.sourcePassword = os.Getenv("SOURCE_PGPASSWORD")
		if f.sourcePassword == "" {
			f.sourcePassword = os.Getenv("PGPASSWORD")
		}
	}
	if f.targetHost == "" {
		f.targetHost = os.Getenv("TARGET_HOST")
	}
	if f.targetPort == 0 {
		f.targetPort = envPort("TARGET_PORT")
	}
	if f.targetUser == "" {
		f.targetUser = os.Getenv("TARGET_USER")
	}
	if f.targetPassword == "" {
		f.targetPassword = os.Getenv("TARGET_PGPASSWORD")
		if f.targetPassword == "" {
			f.targetPassword = os.Getenv("PGPASSWORD")
		}
	}
}

func envPort(name string) int {
	if p := os.Getenv(name); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			return port
		}
	}
	return 0
}

func promptMissing(f *migrateFlags) error {
	var err error
	if f.sourceHost == "" {
		if f.sourceHost, err = promptLine("Source host: "); err != nil {
			return err
		}
	}
	if f.sourceUser == "" {
		if f.sourceUser, err = promptLine("Source username: "); err != nil {
			return err
		}
	}
	if f.sourcePassword == "" {
		f.sourcePassword = promptPassword("Source password: ")
	}
	if f.targetHost == "" {
		if f.targetHost, err = promptLine("Target host: "); err != nil {
			return err
		}
	}
	if f.targetUser == "" {
		if f.targetUser, err = promptLine("Target username: "); err != nil {
			return err
		}
	}
	if f.targetPassword == "" {
		f.targetPassword = promptPassword("Target password: ")
	}
	return nil
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read %q: %w", strings.TrimSpace(prompt), err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) string {
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		// Not a terminal (piped input): fall back to a plain line read.
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		return strings.TrimSpace(line)
	}
	return string(pass)
}
