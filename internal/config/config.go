package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultPort = 5432

// Connection holds everything needed to reach one PostgreSQL server.
// Two instances exist per run (source and target); immutable after Validate.
type Connection struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Validate checks the connection for the fields that cannot be defaulted.
func (c Connection) Validate(label string) error {
	if c.Host == "" {
		return fmt.Errorf("%s: host is required", label)
	}
	if c.User == "" {
		return fmt.Errorf("%s: user is required", label)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%s: port %d out of range", label, c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("%s: initial database is required", label)
	}
	return nil
}

// Config is the resolved configuration for one migration run.
type Config struct {
	Source Connection
	Target Connection

	// Jobs is the parallelism passed to pg_dump/pg_restore per database.
	Jobs int
	// MaxParallel bounds how many databases are in dump/restore at once.
	MaxParallel int

	DumpRoot       string
	StateDir       string
	VerifyDir      string
	MigrateGlobals bool
	KeepDumps      bool
	// SkipTuning leaves the target server's settings untouched.
	SkipTuning bool
}

// Validate checks both connections and the run parameters.
func (c *Config) Validate() error {
	if err := c.Source.Validate("source"); err != nil {
		return err
	}
	if err := c.Target.Validate("target"); err != nil {
		return err
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be >= 1, got %d", c.Jobs)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max-parallel must be >= 1, got %d", c.MaxParallel)
	}
	if c.DumpRoot == "" {
		return fmt.Errorf("dump root is required")
	}
	return nil
}

// Home returns the user's home directory, which anchors all default
// locations for dumps, state markers and verification reports.
func Home() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", fmt.Errorf("HOME not set")
	}
	return home, nil
}

// StateDir returns the default directory for stage completion markers.
func StateDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "pg_migrate_state"), nil
}

// VerifyDir returns the default directory for verification reports.
func VerifyDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "pg_verify_state"), nil
}

// ResolveDumpRoot resolves a --dump-root value: absolute paths are used as
// given, relative ones are anchored under the home directory.
func ResolveDumpRoot(root string) (string, error) {
	if filepath.IsAbs(root) {
		return root, nil
	}
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, root), nil
}

// DumpDir returns the directory-format dump location for one database.
func (c *Config) DumpDir(db string) string {
	return filepath.Join(c.DumpRoot, fsName(db))
}

// ReportPath returns where one database's verification report is written.
func (c *Config) ReportPath(db string) string {
	return filepath.Join(c.VerifyDir, fsName(db)+".report.json")
}

// fsName maps a database name to a file or directory name. Names with
// path separators must stay inside the parent directory.
func fsName(db string) string {
	return strings.NewReplacer("/", "%2F", string(filepath.Separator), "%2F").Replace(db)
}

// GlobalsPath returns where the filtered globals script is written.
func (c *Config) GlobalsPath() string {
	return filepath.Join(c.DumpRoot, "globals.sql")
}
