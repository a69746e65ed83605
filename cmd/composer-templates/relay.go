package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"composertemplates/pkg/eventlog"
	"composertemplates/pkg/frame"
	"composertemplates/pkg/logx"
)

var logger = logx.NewLogger("cli")

var (
	relayEndpoint string
	relayTarget   string
	notifyID      string
	journalDir    string
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Connect to a frame relay and print the template triggers it carries",
		Long: `relay dials a websocket that carries cross-frame messages and validates each
inbound message against the trusted frame origin from the settings document.

With --notify it sends one submission-complete notice and exits.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}
	cmd.Flags().StringVar(&relayEndpoint, "endpoint", "", "Websocket URL of the frame relay")
	cmd.Flags().StringVar(&relayTarget, "target", "", "Origin outbound messages are addressed to (defaults to the trusted origin)")
	cmd.Flags().StringVar(&notifyID, "notify", "", "Send a submission-complete notice with this correlation id and exit")
	cmd.Flags().StringVar(&journalDir, "journal", "", "Directory to journal relayed messages to (JSONL, rotated daily)")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	target := relayTarget
	if target == "" {
		target = settings.TrustedFrameOrigin
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := frame.Dial(ctx, relayEndpoint, target, nil)
	if err != nil {
		return err
	}
	defer func() { _ = relay.Close() }()

	decode := func(origin string, data []byte) (frame.Inbound, error) {
		return frame.Decode(origin, settings.TrustedFrameOrigin, data)
	}
	var journal *eventlog.Writer
	if journalDir != "" {
		journal, err = eventlog.NewWriter(journalDir, nil)
		if err != nil {
			return err
		}
		defer func() { _ = journal.Close() }()
		decode = func(origin string, data []byte) (frame.Inbound, error) {
			msg, err := journal.Record(origin, settings.TrustedFrameOrigin, data)
			if err != nil && !isRejection(err) {
				logger.Warn("Failed to journal frame message: %v", err)
			}
			return msg, err
		}
	}

	out := cmd.OutOrStdout()
	if notifyID != "" {
		notice := frame.SubmissionComplete(notifyID)
		if err := relay.Send(ctx, notice); err != nil {
			return fmt.Errorf("failed to send submission notice: %w", err)
		}
		if journal != nil {
			raw, _ := json.Marshal(notice)
			if err := journal.Write(&eventlog.Entry{Origin: target, Status: eventlog.StatusSent, Raw: raw}); err != nil {
				logger.Warn("Failed to journal submission notice: %v", err)
			}
		}
		fmt.Fprintf(out, "sent submission-complete %s to %s\n", notifyID, target)
		return nil
	}

	return relay.Run(ctx, func(_ context.Context, origin string, data []byte) {
		msg, err := decode(origin, data)
		if err != nil {
			fmt.Fprintf(out, "rejected: %v\n", err)
			return
		}
		if jsonOutput {
			_ = writeJSON(out, msg)
			return
		}
		fmt.Fprintf(out, "trigger: template=%s correlation=%s\n", msg.Template, msg.CorrelationID)
	})
}

func isRejection(err error) bool {
	return errors.Is(err, frame.ErrUntrustedOrigin) || errors.Is(err, frame.ErrMalformed)
}
