// Package verify compares table sets and row counts between source and
// target for migrated databases.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bixority/pg-migrate/internal/config"
	"github.com/bixority/pg-migrate/internal/pg"
)

// TableResult is the comparison outcome for one table.
type TableResult struct {
	Table         string `json:"table"`
	SourceRows    int64  `json:"source_rows"`
	TargetRows    int64  `json:"target_rows"`
	SourceMissing bool   `json:"source_missing,omitempty"`
	TargetMissing bool   `json:"target_missing,omitempty"`
	Match         bool   `json:"match"`
}

// Report is the verification result for one database. Verified is true
// only when the table sets are identical and every row count matches.
type Report struct {
	Database string        `json:"database"`
	Tables   []TableResult `json:"tables"`
	Verified bool          `json:"verified"`
}

// CountsFunc returns per-table row counts for one database on one server.
type CountsFunc func(ctx context.Context, conn config.Connection, db string) (map[string]int64, error)

// PgCounts is the production CountsFunc, counting over a pgx connection.
func PgCounts(log logrus.FieldLogger) CountsFunc {
	return func(ctx context.Context, conn config.Connection, db string) (map[string]int64, error) {
		client, err := pg.ConnectTo(ctx, conn, db, log)
		if err != nil {
			return nil, err
		}
		defer client.Close(ctx)
		return client.TableRowCounts(ctx)
	}
}

// Verifier checks migrated databases against the source.
type Verifier struct {
	source config.Connection
	target config.Connection
	counts CountsFunc
	log    logrus.FieldLogger
}

func New(source, target config.Connection, counts CountsFunc, log logrus.FieldLogger) *Verifier {
	return &Verifier{source: source, target: target, counts: counts, log: log}
}

// Verify compares one database across the two servers. An error means the
// comparison itself could not run; a mismatch is reported in the Report.
func (v *Verifier) Verify(ctx context.Context, db string) (*Report, error) {
	src, err := v.counts(ctx, v.source, db)
	if err != nil {
		return nil, fmt.Errorf("source row counts for %q: %w", db, err)
	}
	dst, err := v.counts(ctx, v.target, db)
	if err != nil {
		return nil, fmt.Errorf("target row counts for %q: %w", db, err)
	}
	return Compare(db, src, dst), nil
}

// Compare builds a Report from two table→row-count maps.
func Compare(db string, src, dst map[string]int64) *Report {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	for name := range dst {
		if _, ok := src[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	report := &Report{Database: db, Verified: true}
	for _, name := range names {
		srcRows, inSrc := src[name]
		dstRows, inDst := dst[name]
		result := TableResult{
			Table:         name,
			SourceRows:    srcRows,
			TargetRows:    dstRows,
			SourceMissing: !inSrc,
			TargetMissing: !inDst,
			Match:         inSrc && inDst && srcRows == dstRows,
		}
		if !result.Match {
			report.Verified = false
		}
		report.Tables = append(report.Tables, result)
	}
	return report
}

// Render formats a report as an aligned text table for the run log.
func Render(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verification for %s:\n", r.Database)
	fmt.Fprintf(&b, "%-40s | %-15s | %-15s | Status\n", "Table Name", "Source Rows", "Target Rows")
	fmt.Fprintf(&b, "%s-|-%s-|-%s-|--------\n",
		strings.Repeat("-", 40), strings.Repeat("-", 15), strings.Repeat("-", 15))
	for _, t := range r.Tables {
		status := "OK"
		if !t.Match {
			status = "MISMATCH"
		}
		fmt.Fprintf(&b, "%-40s | %-15s | %-15s | %s\n",
			t.Table, cell(t.SourceRows, t.SourceMissing), cell(t.TargetRows, t.TargetMissing), status)
	}
	return b.String()
}

func cell(rows int64, missing bool) string {
	if missing {
		return "MISSING"
	}
	return strconv.FormatInt(rows, 10)
}
