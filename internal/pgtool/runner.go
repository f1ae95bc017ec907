// Package pgtool invokes the PostgreSQL client tools (pg_dump, pg_restore,
// pg_dumpall, psql) and maps their exit status to errors.
package pgtool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/bixority/pg-migrate/internal/config"
)

const maxStderrBytes = 4096

// Command describes one external tool invocation.
type Command struct {
	Name     string
	Args     []string
	Password string // exported to the child as PGPASSWORD
}

// Result carries the captured streams of a finished invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes an external database tool. Implementations must treat a
// non-zero exit as an error and still return the captured stderr.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as real child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), "PGPASSWORD="+cmd.Password)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: TruncateStderr(stderr.String())}
	if err != nil {
		return res, fmt.Errorf("%s: %w: %s", cmd.Name, err, res.Stderr)
	}
	return res, nil
}

// TruncateStderr caps captured stderr so a chatty restore cannot blow up
// summaries or state metadata.
func TruncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes] + "\n... (truncated)"
	}
	return s
}

// CheckTools verifies the required client tools are on PATH.
func CheckTools(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("required PostgreSQL client tools not found: %v (install postgresql-client for your platform)", missing)
}

func connArgs(conn config.Connection) []string {
	return []string{
		"-h", conn.Host,
		"-p", strconv.Itoa(conn.Port),
		"-U", conn.User,
	}
}

// DumpCommand builds a directory-format compressed pg_dump of one database.
func DumpCommand(source config.Connection, db, dir string, jobs int) Command {
	args := append(connArgs(source),
		"-Fd",
		"-j", strconv.Itoa(jobs),
		"-Z", "9",
		"-f", dir,
		db)
	return Command{Name: "pg_dump", Args: args, Password: source.Password}
}

// RestoreCommand builds a pg_restore of a directory-format dump into the
// target database.
func RestoreCommand(target config.Connection, db, dir string, jobs int) Command {
	args := append(connArgs(target),
		"-j", strconv.Itoa(jobs),
		"--disable-triggers",
		"-d", db,
		dir)
	return Command{Name: "pg_restore", Args: args, Password: target.Password}
}

// DumpGlobalsCommand builds a pg_dumpall --globals-only dump to a file.
func DumpGlobalsCommand(source config.Connection, path string) Command {
	args := append(connArgs(source), "--globals-only", "-f", path)
	return Command{Name: "pg_dumpall", Args: args, Password: source.Password}
}

// ApplyScriptCommand builds a psql invocation applying a SQL script against
// the connection's initial database.
func ApplyScriptCommand(target config.Connection, path string) Command {
	args := append(connArgs(target), "-d", target.Database, "-f", path)
	return Command{Name: "psql", Args: args, Password: target.Password}
}
