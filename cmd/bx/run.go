package main

import (
	"encoding/json"
	"fmt"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/run"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect importer and exporter runs",
	}
	cmd.AddCommand(newRunShowCmd())
	return cmd
}

func newRunShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show run progress",
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
			snap, err := run.Load(e.db, id)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func newEntryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Inspect entries",
	}
	cmd.AddCommand(newEntryShowCmd())
	return cmd
}

func newEntryShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry's status and last error",
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
			en, err := entry.Get(e.db, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Entry:        %d\n", en.ID)
			fmt.Fprintf(out, "Owner:        %s %d\n", en.OwnerKind, en.OwnerID)
			fmt.Fprintf(out, "Identifier:   %s\n", en.Identifier)
			fmt.Fprintf(out, "Kind:         %s\n", en.Kind)
			fmt.Fprintf(out, "Status:       %s\n", en.Status)
			fmt.Fprintf(out, "Object:       %s\n", dash(en.ObjectID))
			fmt.Fprintf(out, "Succeeded:    %s\n", formatTime(en.SucceededAt()))
			if le := en.LastError(); le != nil {
				fmt.Fprintf(out, "Error class:  %s\n", le.Class)
				fmt.Fprintf(out, "Error:        %s\n", le.Message)
				if le.Trace != "" && le.Trace != le.Message {
					fmt.Fprintf(out, "Trace:\n%s\n", le.Trace)
				}
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
