package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bixority/pg-migrate/internal/pg"
	"github.com/bixority/pg-migrate/internal/verify"
)

var vFlags migrateFlags

var verifyCmd = &cobra.Command{
	Use:   "verify [database...]",
	Short: "Compare table sets and row counts between source and target",
	Long: `Runs only the verification pass: for every database (or the ones named
as arguments), lists user tables on source and target and compares exact
row counts per table. Exits non-zero if any database mismatches.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	addConnectionFlags(verifyCmd, &vFlags)
	verifyCmd.Flags().BoolVar(&vFlags.nonInteractive, "non-interactive", false, "Never prompt; fail if any required value is missing")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(&vFlags)
	if err != nil {
		return err
	}

	ctx := context.Background()

	dbs := args
	if len(dbs) == 0 {
		client, err := pg.Connect(ctx, cfg.Source, log)
		if err != nil {
			return err
		}
		dbs, err = client.ListDatabases(ctx)
		client.Close(ctx)
		if err != nil {
			return err
		}
	}

	verifier := verify.New(cfg.Source, cfg.Target, verify.PgCounts(log), log)

	mismatched := 0
	for _, db := range dbs {
		report, err := verifier.Verify(ctx, db)
		if err != nil {
			return err
		}
		fmt.Println(verify.Render(report))
		if report.Verified {
			log.WithField("db", db).Infof("verified: %d tables, all rows match", len(report.Tables))
		} else {
			log.WithField("db", db).Error("verification failed: tables or row counts mismatch")
			mismatched++
		}
	}

	if mismatched > 0 {
		return fmt.Errorf("%d of %d databases failed verification", mismatched, len(dbs))
	}
	return nil
}
