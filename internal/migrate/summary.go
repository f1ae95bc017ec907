package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Outcome classifies one database at the end of a run.
type Outcome string

const (
	OutcomeVerified   Outcome = "migrated+verified"
	OutcomeUnverified Outcome = "migrated-unverified"
	OutcomeFailed     Outcome = "failed"
)

// DatabaseSummary is the per-database line of the final report.
type DatabaseSummary struct {
	Database      string  `json:"database"`
	Outcome       Outcome `json:"outcome"`
	DurationSecs  float64 `json:"duration_secs"`
	DumpSizeBytes int64   `json:"dump_size_bytes,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Summary is the machine-readable record of a whole run.
type Summary struct {
	RunID          string            `json:"run_id"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	DurationSecs   float64           `json:"duration_secs"`
	TotalDBs       int               `json:"total_dbs"`
	Verified       int               `json:"verified_dbs"`
	Unverified     int               `json:"unverified_dbs"`
	Failed         int               `json:"failed_dbs"`
	TuningReverted bool              `json:"tuning_reverted"`
	Databases      []DatabaseSummary `json:"databases"`
}

func (s *Summary) add(d DatabaseSummary) {
	s.Databases = append(s.Databases, d)
	switch d.Outcome {
	case OutcomeVerified:
		s.Verified++
	case OutcomeUnverified:
		s.Unverified++
	case OutcomeFailed:
		s.Failed++
	}
}

// WriteJSON persists the summary next to the dump artifacts.
func (s *Summary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Render formats the summary for the console.
func (s *Summary) Render() string {
	var b strings.Builder
	b.WriteString("============================================\n")
	b.WriteString(" MIGRATION SUMMARY\n")
	b.WriteString("============================================\n")
	fmt.Fprintf(&b, "Run:              %s\n", s.RunID)
	fmt.Fprintf(&b, "Total databases:  %d\n", s.TotalDBs)
	fmt.Fprintf(&b, "Verified:         %d\n", s.Verified)
	fmt.Fprintf(&b, "Unverified:       %d\n", s.Unverified)
	fmt.Fprintf(&b, "Failed:           %d\n", s.Failed)
	fmt.Fprintf(&b, "Tuning reverted:  %t\n", s.TuningReverted)
	fmt.Fprintf(&b, "Duration:         %.1fs\n\n", s.DurationSecs)
	for _, d := range s.Databases {
		line := fmt.Sprintf("  [%s] %s (%.1fs", d.Outcome, d.Database, d.DurationSecs)
		if d.DumpSizeBytes > 0 {
			line += fmt.Sprintf(", dump %s", formatSize(d.DumpSizeBytes))
		}
		line += ")"
		if d.Error != "" {
			line += " - " + d.Error
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for u := n / unit; u >= unit; u /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
