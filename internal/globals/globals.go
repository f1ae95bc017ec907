// Package globals migrates server-wide objects (roles, tablespaces) from
// source to target via pg_dumpall --globals-only.
package globals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/pgtool"
)

// Migrator dumps global objects from source, filters out the migration
// user's own role, and applies the script to target.
type Migrator struct {
	source config.Connection
	target config.Connection
	path   string
	runner pgtool.Runner
	log    logrus.FieldLogger
}

func New(source, target config.Connection, scriptPath string, runner pgtool.Runner, log logrus.FieldLogger) *Migrator {
	return &Migrator{source: source, target: target, path: scriptPath, runner: runner, log: log}
}

// Migrate runs the dump, filter and apply sequence. Any failure is fatal
// for the whole run: per-database permissions depend on the globals.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create dump root: %w", err)
	}

	m.log.Info("dumping global objects")
	if _, err := m.runner.Run(ctx, pgtool.DumpGlobalsCommand(m.source, m.path)); err != nil {
		return fmt.Errorf("dump globals: %w", err)
	}

	script, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read globals script: %w", err)
	}
	filtered, skipped := FilterRoleStatements(string(script), m.target.User)
	for range skipped {
		m.log.WithField("role", m.target.User).Info("skipping migration of own role to avoid password overwrite")
	}
	if err := os.WriteFile(m.path, []byte(filtered), 0o600); err != nil {
		return fmt.Errorf("write filtered globals script: %w", err)
	}

	m.log.Info("applying global objects to target")
	res, err := m.runner.Run(ctx, pgtool.ApplyScriptCommand(m.target, m.path))
	noise := filterBenignStderr(res.Stderr)
	if err != nil {
		// psql exits non-zero for errors that are expected when rerunning
		// globals against a server that already has some of them.
		if noise != "" {
			return fmt.Errorf("apply globals: %w: %s", err, noise)
		}
		m.log.Warn("globals applied with pre-existing objects reported by psql")
		return nil
	}
	if noise != "" {
		m.log.Warnf("globals applied with warnings:\n%s", noise)
	}
	return nil
}

// FilterRoleStatements removes CREATE ROLE / ALTER ROLE statements for the
// given role from a pg_dumpall globals script, leaving every other line
// verbatim. The role is matched as a whole token so role names that are
// substrings of other roles are unaffected. Returns the filtered script
// and the removed lines.
func FilterRoleStatements(script, role string) (string, []string) {
	var kept, skipped []string
	for _, line := range strings.Split(script, "\n") {
		if isRoleStatement(line) && roleToken(line) == role {
			skipped = append(skipped, line)
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), skipped
}

func isRoleStatement(line string) bool {
	return strings.HasPrefix(line, "CREATE ROLE ") || strings.HasPrefix(line, "ALTER ROLE ")
}

// roleToken extracts the role name from a CREATE ROLE / ALTER ROLE line.
// pg_dumpall quotes identifiers that need it; both forms are handled.
func roleToken(line string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(line, "CREATE ROLE "), "ALTER ROLE ")
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return ""
		}
		return rest[1 : 1+end]
	}
	end := strings.IndexAny(rest, " ;")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// filterBenignStderr drops the stderr lines that are expected when the
// target already has some roles, keeping everything else for diagnosis.
func filterBenignStderr(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(line, "ERROR:  role") && strings.Contains(line, "already exists") {
			continue
		}
		if strings.Contains(line, "WARNING:  setting an MD5-encrypted password") ||
			strings.Contains(line, "DETAIL:  MD5 password support is deprecated") ||
			strings.Contains(line, "HINT:  Refer to the PostgreSQL documentation") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
