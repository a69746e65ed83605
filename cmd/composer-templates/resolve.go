package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"composertemplates/pkg/discourse"
	"composertemplates/pkg/lifecycle"
	"composertemplates/pkg/metrics"
	"composertemplates/pkg/trigger"
)

var (
	baseURL      string
	apiKey       string
	apiUsername  string
	frameMessage string
	frameOrigin  string
	timeout      time.Duration
)

type resolveReport struct {
	URL            string       `json:"url"`
	ActiveTemplate string       `json:"active_template,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Category       string       `json:"category,omitempty"`
	Open           bool         `json:"open"`
	Reason         string       `json:"reason"`
	Options        *openOptions `json:"options,omitempty"`
}

type openOptions struct {
	Action     string   `json:"action"`
	DraftKey   string   `json:"draft_key"`
	CategoryID int      `json:"category_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Title      string   `json:"title,omitempty"`
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve URL",
		Short: "Show which template a URL activates and whether the editor would auto-open",
		Long: `Resolve a page URL the way the coordinator does on navigation.

Without --base-url every existence check fails safe to "exists", so only
templates in "always" mode can open.`,
		Args: cobra.ExactArgs(1),
		RunE: runResolve,
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Forum base URL used for search and directory lookups")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Forum API key")
	cmd.Flags().StringVar(&apiUsername, "api-username", "", "Forum API username")
	cmd.Flags().StringVar(&frameMessage, "frame-message", "", "Inbound frame message (JSON) received before navigation")
	cmd.Flags().StringVar(&frameOrigin, "frame-origin", "", "Origin of --frame-message (defaults to the trusted origin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall timeout for network lookups")
	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	u, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", args[0], err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	deps := lifecycle.Deps{
		Settings: settings,
		Metrics:  metrics.NewPrometheusRecorder(prometheus.NewRegistry()),
	}
	if baseURL != "" {
		client := discourse.NewClient(baseURL, apiKey, apiUsername)
		deps.Searcher, deps.Directory = client, client
	}
	parts := lifecycle.NewComponents(deps)
	resolver, decider := parts.Resolver, parts.Decider

	if frameMessage != "" {
		origin := frameOrigin
		if origin == "" {
			origin = settings.TrustedFrameOrigin
		}
		if _, err := resolver.RecordFromFrameMessage(origin, []byte(frameMessage)); err != nil {
			return err
		}
	}

	report := resolveReport{
		URL:            u.String(),
		ActiveTemplate: resolver.Refresh(u),
		Tags:           trigger.TagsFromURL(u),
		Category:       trigger.CategoryParam(u),
	}
	dec := decider.Decide(ctx, u)
	report.Open = dec.Open
	report.Reason = string(dec.Reason)
	if dec.Open {
		report.Options = &openOptions{
			Action:     dec.Options.Action,
			DraftKey:   dec.Options.DraftKey,
			CategoryID: dec.Options.CategoryID,
			Tags:       dec.Options.Tags,
			Title:      dec.Options.Title,
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, report)
	}

	fmt.Fprintf(out, "url:      %s\n", report.URL)
	fmt.Fprintf(out, "template: %s\n", valueOr(report.ActiveTemplate, "(none)"))
	fmt.Fprintf(out, "tags:     %v\n", report.Tags)
	fmt.Fprintf(out, "open:     %t (%s)\n", report.Open, report.Reason)
	if report.Options != nil {
		fmt.Fprintf(out, "options:  action=%s draft=%s category=%d tags=%v title=%q\n",
			report.Options.Action, report.Options.DraftKey, report.Options.CategoryID, report.Options.Tags, report.Options.Title)
	}
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
