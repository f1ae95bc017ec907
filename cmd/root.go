package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "pg-migrate [command]",
	Short: "PostgreSQL server migration: dump from source, restore to target",
	Long: `Migrates every user database and global object from a source PostgreSQL
server to a target server using pg_dump/pg_restore, with durable resumable
state, bounded parallelism and row-count verification.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("PG_MIGRATE_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
}
