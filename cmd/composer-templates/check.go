package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"composertemplates/pkg/templates"
)

type checkReport struct {
	Enabled    bool           `json:"enabled"`
	AutoOpen   bool           `json:"auto_open"`
	ParamKey   string         `json:"param_key"`
	Configured int            `json:"configured_slots"`
	Dropped    int            `json:"dropped_slots"`
	Templates  []templateInfo `json:"templates"`
}

type templateInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	UseFor   string `json:"use_for"`
	Mode     string `json:"mode"`
	URLMatch string `json:"url_match,omitempty"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate a settings document and list the enabled templates",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	registry := templates.NewRegistry(settings.Templates)
	enabledSlots := 0
	for _, slot := range settings.Templates {
		if slot.Enabled {
			enabledSlots++
		}
	}

	report := checkReport{
		Enabled:    settings.IsEnabled(),
		AutoOpen:   settings.IsAutoOpenEnabled(),
		ParamKey:   settings.ParamKey,
		Configured: len(settings.Templates),
		Dropped:    enabledSlots - registry.Len(),
	}
	for _, t := range registry.Enabled() {
		report.Templates = append(report.Templates, templateInfo{
			ID:       t.ID,
			Title:    t.Title,
			UseFor:   string(t.UseFor),
			Mode:     string(t.Mode),
			URLMatch: t.URLMatch,
		})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "enabled: %t, auto-open: %t, param: %s\n", report.Enabled, report.AutoOpen, report.ParamKey)
	for _, t := range report.Templates {
		fmt.Fprintf(out, "  %-12s use_for=%-12s mode=%-16s url_match=%q\n", t.ID, t.UseFor, t.Mode, t.URLMatch)
	}
	if report.Dropped > 0 {
		fmt.Fprintf(out, "%d enabled slot(s) dropped as malformed or duplicate (run with --debug for details)\n", report.Dropped)
	}
	return nil
}
