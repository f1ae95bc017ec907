package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Source:      Connection{Host: "src", Port: 5432, User: "postgres", Database: "postgres"},
		Target:      Connection{Host: "dst", Port: 5432, User: "postgres", Database: "postgres"},
		Jobs:        4,
		MaxParallel: 4,
		DumpRoot:    "/var/tmp/pg_dumps",
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing source host", func(c *Config) { c.Source.Host = "" }, "source: host is required"},
		{"missing target user", func(c *Config) { c.Target.User = "" }, "target: user is required"},
		{"port zero", func(c *Config) { c.Source.Port = 0 }, "port 0 out of range"},
		{"port too large", func(c *Config) { c.Target.Port = 70000 }, "port 70000 out of range"},
		{"missing initial database", func(c *Config) { c.Source.Database = "" }, "initial database is required"},
		{"zero jobs", func(c *Config) { c.Jobs = 0 }, "jobs must be >= 1"},
		{"zero max-parallel", func(c *Config) { c.MaxParallel = 0 }, "max-parallel must be >= 1"},
		{"empty dump root", func(c *Config) { c.DumpRoot = "" }, "dump root is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefaultDirsAnchorUnderHome(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	stateDir, err := StateDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/pg_migrate_state", stateDir)

	verifyDir, err := VerifyDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/pg_verify_state", verifyDir)
}

func TestResolveDumpRoot(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	got, err := ResolveDumpRoot("pg_dumps")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/pg_dumps", got)

	got, err = ResolveDumpRoot("/mnt/fast/dumps")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/fast/dumps", got)
}

func TestHomeMissing(t *testing.T) {
	t.Setenv("HOME", "")

	_, err := Home()
	require.Error(t, err)
	_, err = StateDir()
	assert.Error(t, err)
	_, err = ResolveDumpRoot("pg_dumps")
	assert.Error(t, err)
}

func TestDumpPaths(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, filepath.Join("/var/tmp/pg_dumps", "appdb"), cfg.DumpDir("appdb"))
	assert.Equal(t, filepath.Join("/var/tmp/pg_dumps", "globals.sql"), cfg.GlobalsPath())
}

func TestDumpDirEscapesPathSeparators(t *testing.T) {
	cfg := validConfig()
	dir := cfg.DumpDir("odd/name")
	assert.Equal(t, filepath.Join("/var/tmp/pg_dumps", "odd%2Fname"), dir)
	assert.Equal(t, "/var/tmp/pg_dumps", filepath.Dir(dir))
}

func TestReportPathStaysUnderVerifyDir(t *testing.T) {
	cfg := validConfig()
	cfg.VerifyDir = "/home/alice/pg_verify_state"
	assert.Equal(t, "/home/alice/pg_verify_state/appdb.report.json", cfg.ReportPath("appdb"))

	path := cfg.ReportPath("odd/name")
	assert.Equal(t, "/home/alice/pg_verify_state/odd%2Fname.report.json", path)
	assert.Equal(t, cfg.VerifyDir, filepath.Dir(path))
}
