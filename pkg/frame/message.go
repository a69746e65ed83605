// Package frame implements the cross-frame message contract spoken with the
// embedded external frame, and a websocket relay that carries it.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Message types.
const (
	TypeTemplateTrigger    = "template-trigger"
	TypeSubmissionComplete = "submission-complete"
)

var (
	// ErrUntrustedOrigin rejects messages from anything but the configured frame origin.
	ErrUntrustedOrigin = errors.New("untrusted frame origin")
	// ErrMalformed rejects payloads that do not match the inbound contract.
	ErrMalformed = errors.New("malformed frame message")
)

// Inbound is a template trigger sent by the frame.
type Inbound struct {
	Type               string `json:"type"`
	Template           string `json:"template"`
	HasPriorSubmission *bool  `json:"hasPriorSubmission,omitempty"`
	CorrelationID      string `json:"correlationId,omitempty"`
}

// Outbound is sent back to the frame after a successful submission.
type Outbound struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
}

// SubmissionComplete builds the outbound submission notice.
func SubmissionComplete(correlationID string) Outbound {
	return Outbound{Type: TypeSubmissionComplete, CorrelationID: correlationID}
}

// Decode validates origin and payload of an inbound message.
func Decode(origin, trusted string, raw []byte) (Inbound, error) {
	if !SameOrigin(origin, trusted) {
		return Inbound{}, fmt.Errorf("%w: %q", ErrUntrustedOrigin, origin)
	}

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type != TypeTemplateTrigger {
		return Inbound{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, msg.Type)
	}
	msg.Template = strings.TrimSpace(msg.Template)
	if msg.Template == "" {
		return Inbound{}, fmt.Errorf("%w: empty template", ErrMalformed)
	}
	return msg, nil
}

// SameOrigin compares scheme, host and port, ignoring case and paths.
// An empty trusted origin matches nothing.
func SameOrigin(origin, trusted string) bool {
	a, okA := normalizeOrigin(origin)
	b, okB := normalizeOrigin(trusted)
	return okA && okB && a == b
}

func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
