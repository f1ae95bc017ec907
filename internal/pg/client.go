// Package pg is the thin pgx layer for the catalog queries the migration
// needs: discovery, database creation, server settings and row counts.
package pg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
)

const connectAttempts = 3

// sqlstate for "database already exists"
const duplicateDatabase = "42P04"

// Client wraps one connection to a specific database on a server.
type Client struct {
	conn *pgx.Conn
	log  logrus.FieldLogger
}

// Connect opens a connection to conn's initial database, retrying
// transient failures with exponential backoff.
func Connect(ctx context.Context, conn config.Connection, log logrus.FieldLogger) (*Client, error) {
	connStr := ConnString(conn, conn.Database)
	var c *pgx.Conn
	err := withRetry(ctx, connectAttempts, "connect "+conn.Host, log, func() error {
		var err error
		c, err = pgx.Connect(ctx, connStr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", conn.Host, conn.Port, err)
	}
	return &Client{conn: c, log: log}, nil
}

// ConnectTo opens a connection to a specific database rather than the
// connection's initial one.
func ConnectTo(ctx context.Context, conn config.Connection, db string, log logrus.FieldLogger) (*Client, error) {
	override := conn
	override.Database = db
	return Connect(ctx, override, log)
}

// Close releases the underlying connection.
func (c *Client) Close(ctx context.Context) {
	_ = c.conn.Close(ctx)
}

// ConnString builds a postgres:// URL for the given connection and database.
func ConnString(conn config.Connection, db string) string {
	hostPort := conn.Host
	if conn.Port > 0 {
		hostPort = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	}
	u := &url.URL{
		Scheme:   "postgres",
		Host:     hostPort,
		Path:     "/" + db,
		RawQuery: "sslmode=prefer",
	}
	if conn.Password != "" {
		u.User = url.UserPassword(conn.User, conn.Password)
	} else {
		u.User = url.User(conn.User)
	}
	return u.String()
}

// ListDatabases returns the user databases on the server in name order.
// The exclusion list is fixed: the maintenance database and templates are
// never migrated, and databases that refuse connections cannot be dumped.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT datname FROM pg_database
		WHERE datname NOT IN ('postgres','template0','template1')
		AND datallowconn IS TRUE
		ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	var dbs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		dbs = append(dbs, name)
	}
	return dbs, rows.Err()
}

// CreateDatabase creates an empty database on the server. A database that
// already exists is not an error: the migration restores into it and any
// conflicting contents surface as restore failures for that database.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	_, err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{name}.Sanitize()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase {
			c.log.WithField("db", name).Info("database already exists on target, restoring into it")
			return nil
		}
		return fmt.Errorf("create database %q: %w", name, err)
	}
	return nil
}

// ShowSetting reads the current value of a server setting.
func (c *Client) ShowSetting(ctx context.Context, name string) (string, error) {
	var value string
	if err := c.conn.QueryRow(ctx, fmt.Sprintf("SHOW %s", name)).Scan(&value); err != nil {
		return "", fmt.Errorf("show %s: %w", name, err)
	}
	return value, nil
}

// SetSetting writes a server setting via ALTER SYSTEM.
func (c *Client) SetSetting(ctx context.Context, name, value string) error {
	sql := fmt.Sprintf("ALTER SYSTEM SET %s TO '%s'", name, strings.ReplaceAll(value, "'", "''"))
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("set %s to %q: %w", name, value, err)
	}
	return nil
}

// ReloadConf asks the server to re-read its configuration.
func (c *Client) ReloadConf(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return fmt.Errorf("reload conf: %w", err)
	}
	return nil
}

// TableRowCounts returns exact row counts for every user table in the
// connected database, keyed by schema.table.
func (c *Client) TableRowCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY schemaname, tablename`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	type tableRef struct {
		schema, table string
	}
	var refs []tableRef
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		refs = append(refs, tableRef{schema, table})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(refs))
	for _, ref := range refs {
		qualified := pgx.Identifier{ref.schema, ref.table}.Sanitize()
		var count int64
		if err := c.conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", qualified)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", qualified, err)
		}
		counts[ref.schema+"."+ref.table] = count
	}
	return counts, nil
}

// Exec runs an arbitrary statement; used by the seeder.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func withRetry(ctx context.Context, maxAttempts int, label string, log logrus.FieldLogger, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			log.WithError(lastErr).Warnf("transient error on %s (attempt %d/%d), retrying in %v",
				label, attempt, maxAttempts, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// IsTransient reports whether an error looks like a connectivity blip
// worth retrying rather than a real failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"server closed the connection unexpectedly",
		"could not connect to server",
		"the database system is starting up",
		"too many connections",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
