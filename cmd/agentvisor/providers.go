package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/spf13/cobra"
)

func newProvidersCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List registered providers and whether their CLIs are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			availability := a.registry.ListAvailable(cmd.Context())
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), availability)
			}
			return writeAvailabilityTable(cmd.OutOrStdout(), availability, newStyles(isTerminal(cmd.OutOrStdout())))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print availability as JSON")
	return cmd
}

func newInfoCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <provider>",
		Short: "Show provider metadata and capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.registry.Info(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			return writeInfo(cmd.OutOrStdout(), info, newStyles(isTerminal(cmd.OutOrStdout())))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print metadata as JSON")
	return cmd
}

func writeAvailabilityTable(w io.Writer, availability []harness.Availability, s styles) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tPATH\tSTATUS"); err != nil {
		return err
	}
	for _, entry := range availability {
		status := s.render(s.ok, "available")
		path := entry.ResolvedPath
		if !entry.Available {
			status = s.render(s.err, "missing")
			path = entry.Error
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", entry.Name, entry.DisplayName, path, status); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func writeInfo(w io.Writer, info harness.Info, s styles) error {
	models := "-"
	if len(info.SupportedModels) > 0 {
		models = strings.Join(info.SupportedModels, ", ")
	}
	lines := []struct {
		label string
		value string
	}{
		{"name", info.Name},
		{"display name", info.DisplayName},
		{"version", info.Version},
		{"description", info.Description},
		{"models", models},
		{"session resumption", yesNo(info.Capabilities.SupportsSessionResumption)},
		{"streaming", yesNo(info.Capabilities.SupportsStreaming)},
		{"tool calls", yesNo(info.Capabilities.SupportsToolCalls)},
		{"model selection", yesNo(info.Capabilities.SupportsModelSelection)},
		{"requires api key", yesNo(info.Capabilities.RequiresAPIKey)},
	}
	for _, line := range lines {
		if _, err := fmt.Fprintf(w, "%s %s\n", s.render(s.label, fmt.Sprintf("%-19s", line.label+":")), line.value); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
