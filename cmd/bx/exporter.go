package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/pipeline"
	"github.com/notch8/bulkrax/internal/run"
	"github.com/spf13/cobra"
)

func newExporterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exporter",
		Short: "Exporter management commands",
	}

	cmd.AddCommand(newExporterCreateCmd())
	cmd.AddCommand(newExporterListCmd())
	cmd.AddCommand(newExporterShowCmd())
	cmd.AddCommand(newExporterRunCmd())
	return cmd
}

func newExporterCreateCmd() *cobra.Command {
	var configPath, file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update an exporter from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadExporter(file)
			if err != nil {
				return err
			}
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			ex, err := pipeline.SaveExporter(e.db, def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exporter %d %q saved (%s %s, %s)\n", ex.ID, ex.Name, ex.ExportFrom, ex.ExportSource, ex.ExportType)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "exporter definition file (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newExporterListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exporters",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			var rows []models.Exporter
			if err := e.db.Order("id ASC").Find(&rows).Error; err != nil {
				return fmt.Errorf("list exporters: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No exporters found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFROM\tSOURCE\tTYPE\tSTATUS")
			for _, ex := range rows {
				latest, err := run.Latest(e.db, ex.ID, models.OwnerExporter)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ex.ID, ex.Name, ex.ExportFrom, ex.ExportSource,
					ex.ExportType, run.DerivedStatus(latest, ex.Status))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newExporterShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an exporter with its latest run and artifact",
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
			var ex models.Exporter
			if err := e.db.First(&ex, id).Error; err != nil {
				return fmt.Errorf("exporter not found: %d", id)
			}
			latest, err := run.Latest(e.db, ex.ID, models.OwnerExporter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exporter:     %d\n", ex.ID)
			fmt.Fprintf(out, "Name:         %s\n", ex.Name)
			fmt.Fprintf(out, "Source:       %s %s\n", ex.ExportFrom, ex.ExportSource)
			fmt.Fprintf(out, "Type:         %s\n", ex.ExportType)
			fmt.Fprintf(out, "Status:       %s\n", run.DerivedStatus(latest, ex.Status))
			fmt.Fprintf(out, "Artifact:     %s\n", dash(ex.ArtifactPath))
			printOwnerError(out, ex.LastErrorClass, ex.LastErrorMessage)
			if latest != nil {
				fmt.Fprintln(out)
				printSnapshot(out, run.Snap(latest, ex.Status))
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newExporterRunCmd() *cobra.Command {
	var (
		configPath string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start an exporter",
		Long: `Enqueues an export for a running 'bx worker' to pick up.
With --wait the jobs are processed in this process and the artifact path is printed.`,
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

			started, err := p.StartExport(ctx, id)
			if err != nil {
				return err
			}
			if !started {
				fmt.Fprintf(out, "Exporter %d already has an export pending or running\n", id)
			} else {
				fmt.Fprintf(out, "Exporter %d enqueued\n", id)
			}
			if !wait {
				return nil
			}
			if err := drain(ctx, e, p); err != nil {
				return err
			}
			var ex models.Exporter
			if err := e.db.First(&ex, id).Error; err != nil {
				return fmt.Errorf("exporter not found: %d", id)
			}
			if ex.Status == models.StatusFailed {
				return fmt.Errorf("export failed: %s: %s", ex.LastErrorClass, ex.LastErrorMessage)
			}
			fmt.Fprintf(out, "Artifact: %s\n", dash(ex.ArtifactPath))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "process jobs in this process until the queue is empty")
	return cmd
}
