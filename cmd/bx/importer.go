package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/pipeline"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/run"
	"github.com/spf13/cobra"
)

func newImporterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "importer",
		Short: "Importer management commands",
	}

	cmd.AddCommand(newImporterCreateCmd())
	cmd.AddCommand(newImporterListCmd())
	cmd.AddCommand(newImporterShowCmd())
	cmd.AddCommand(newImporterRunCmd())
	cmd.AddCommand(newImporterErrorsCmd())
	return cmd
}

func newImporterCreateCmd() *cobra.Command {
	var configPath, file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update an importer from a definition file",
		Long:  "Reads an importer definition (YAML) and stores it. An importer with the same name is updated in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadImporter(file)
			if err != nil {
				return err
			}
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			imp, err := pipeline.SaveImporter(e.db, def, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Importer %d %q saved (%s)\n", imp.ID, imp.Name, imp.Format)
			if imp.NextImportAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Next scheduled import: %s\n", imp.NextImportAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "importer definition file (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newImporterListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List importers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			var rows []models.Importer
			if err := e.db.Order("id ASC").Find(&rows).Error; err != nil {
				return fmt.Errorf("list importers: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No importers found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFORMAT\tFREQUENCY\tSTATUS\tLAST IMPORT")
			for _, imp := range rows {
				latest, err := run.Latest(e.db, imp.ID, models.OwnerImporter)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", imp.ID, imp.Name, imp.Format,
					dash(imp.Frequency), run.DerivedStatus(latest, imp.Status), formatTime(imp.LastImportedAt))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newImporterShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an importer with its latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			var imp models.Importer
			if err := e.db.First(&imp, id).Error; err != nil {
				return fmt.Errorf("importer not found: %d", id)
			}
			latest, err := run.Latest(e.db, imp.ID, models.OwnerImporter)
			if err != nil {
				return err
			}
			counts, err := entry.StatusCounts(e.db, imp.ID, models.OwnerImporter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Importer:     %d\n", imp.ID)
			fmt.Fprintf(out, "Name:         %s\n", imp.Name)
			fmt.Fprintf(out, "Format:       %s\n", imp.Format)
			fmt.Fprintf(out, "Frequency:    %s\n", dash(imp.Frequency))
			fmt.Fprintf(out, "Next import:  %s\n", formatTime(imp.NextImportAt))
			fmt.Fprintf(out, "Status:       %s\n", run.DerivedStatus(latest, imp.Status))
			printOwnerError(out, imp.LastErrorClass, imp.LastErrorMessage)
			fmt.Fprintf(out, "Entries:      %d waiting, %d succeeded, %d failed\n",
				counts[models.EntryWaiting], counts[models.EntrySucceeded], counts[models.EntryFailed])
			if latest != nil {
				fmt.Fprintln(out)
				printSnapshot(out, run.Snap(latest, imp.Status))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newImporterRunCmd() *cobra.Command {
	var (
		configPath  string
		wait        bool
		onlyUpdates bool
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start an importer",
		Long: `Enqueues an importer execution for a running 'bx worker' to pick up.
With --wait the jobs are processed in this process and the final run is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			p, err := e.pipeline()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			started, err := p.StartImport(ctx, id, onlyUpdates)
			if err != nil {
				return err
			}
			if !started {
				fmt.Fprintf(out, "Importer %d already has an execution pending or running\n", id)
			} else {
				fmt.Fprintf(out, "Importer %d enqueued\n", id)
			}
			if !wait {
				return nil
			}
			if err := drain(ctx, e, p); err != nil {
				return err
			}
			latest, err := run.Latest(e.db, id, models.OwnerImporter)
			if err != nil {
				return err
			}
			var imp models.Importer
			e.db.First(&imp, id)
			if latest == nil {
				fmt.Fprintf(out, "No run recorded. Status: %s\n", run.DerivedStatus(nil, imp.Status))
				printOwnerError(out, imp.LastErrorClass, imp.LastErrorMessage)
				return nil
			}
			printSnapshot(out, run.Snap(latest, imp.Status))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "process jobs in this process until the queue is empty")
	cmd.Flags().BoolVar(&onlyUpdates, "only-updates", false, "harvest only records changed since the last import (OAI)")
	return cmd
}

func newImporterErrorsCmd() *cobra.Command {
	var (
		configPath string
		runID      uint
		output     string
	)

	cmd := &cobra.Command{
		Use:   "errors <id>",
		Short: "Write failed work entries as CSV",
		Long:  "Writes the source fields of every failed work entry plus error_class and error_message, ready to fix and re-import.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			failed, err := pipeline.FailedWorks(e.db, id, runID)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := pipeline.WriteErrors(w, failed); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d failed entries to %s\n", len(failed), output)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().UintVar(&runID, "run", 0, "limit to entries last enqueued by this run")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// drain runs a worker pool in-process until no job is pending or running.
func drain(ctx context.Context, e *env, p *pipeline.Pipeline) error {
	pool := queue.NewPool(p.Queue(), queue.PoolOptions{
		Concurrency:  e.cfg.Workers.Concurrency,
		PollInterval: e.cfg.Workers.PollInterval,
		Logger:       e.logger,
	})
	p.Register(pool)
	return pool.Drain(ctx)
}

func printSnapshot(out io.Writer, s run.Snapshot) {
	fmt.Fprintf(out, "Run:          %d (%s %d)\n", s.ID, s.OwnerKind, s.OwnerID)
	fmt.Fprintf(out, "Status:       %s\n", s.Status)
	fmt.Fprintf(out, "Works:        %d/%d processed, %d failed, %d enqueued\n", s.Processed, s.Total, s.Failed, s.Enqueued)
	if s.TotalCollections > 0 {
		fmt.Fprintf(out, "Collections:  %d/%d processed, %d failed\n", s.ProcessedCollections, s.TotalCollections, s.FailedCollections)
	}
	for _, inv := range s.InvalidRecords {
		fmt.Fprintf(out, "Invalid:      %s\n", inv)
	}
	fmt.Fprintf(out, "Started:      %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Completed:    %s\n", formatTime(s.CompletedAt))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
