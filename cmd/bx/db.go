package main

import (
	"fmt"
	"os"

	"github.com/notch8/bulkrax/internal/db"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the bx database",
		Long:  "Migrates all tables and creates the import and export working directories.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	e, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", e.cfg.Database.Driver)

	if err := db.AutoMigrate(e.db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	for _, dir := range []string{e.cfg.Paths.Import, e.cfg.Paths.Export} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fmt.Fprintf(out, "Working directories: %s, %s\n", e.cfg.Paths.Import, e.cfg.Paths.Export)
	fmt.Fprintln(out, "\nbx database initialized successfully.")
	return nil
}
