package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/db"
	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/notify"
	"github.com/notch8/bulkrax/internal/pipeline"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfig = "bx.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bx",
		Short: "Bulkrax - bulk metadata import and export",
		Long:  "bx imports records from CSV, OAI-PMH and BagIt sources into a repository and exports repository objects back to CSV.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newImporterCmd())
	cmd.AddCommand(newExporterCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newEntryCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bx %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfig, "path to bx config file")
}

// env is what every database-backed command works with.
type env struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *slog.Logger
}

func connectFromConfig(cmd *cobra.Command, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, db: gormDB, logger: logger}, nil
}

func (e *env) pipeline() (*pipeline.Pipeline, error) {
	n, err := notify.FromConfig(e.cfg.Notify, e.logger)
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	return pipeline.New(pipeline.Deps{
		DB:       e.db,
		Config:   e.cfg,
		Notifier: n,
		Logger:   e.logger,
	})
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

func printOwnerError(out io.Writer, class, msg string) {
	if class == "" && msg == "" {
		return
	}
	fmt.Fprintf(out, "Last error:   %s: %s\n", class, msg)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
