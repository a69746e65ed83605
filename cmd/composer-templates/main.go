// Package main provides the composer-templates CLI for checking settings
// documents and dry-running template resolution against a forum.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"composertemplates/pkg/config"
	"composertemplates/pkg/logx"
)

// Global flags
var (
	settingsPath string
	jsonOutput   bool
	debug        bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "composer-templates",
		Short: "Inspect and dry-run composer template settings",
		Long: `composer-templates loads a composer template settings document and shows
what the coordinator would do with it.

Examples:
  composer-templates check --settings settings.yml
  composer-templates resolve "https://forum.example.com/tag/x?composer_template=T1" --settings settings.yml
  composer-templates relay --endpoint ws://localhost:8090/frames --target https://forms.example.com`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				logx.SetDebug(true)
			}
		},
	}

	root.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "settings.yml", "Path to the settings document")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(newCheckCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newRelayCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
