// Package session holds the browser-session scoped record shared by the
// trigger resolver, the application engine and the auto-open decider.
//
// Everything lives in one typed Record instead of independent keys so every
// lifecycle transition is a single, explicit mutation.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Source identifies where a pending trigger came from.
type Source string

const (
	SourceFrame Source = "frame"
	SourceURL   Source = "url"
)

// PendingTrigger is the currently active template request.
type PendingTrigger struct {
	TemplateID         string    `json:"template_id"`
	Source             Source    `json:"source"`
	ReceivedAt         time.Time `json:"received_at"`
	HasPriorSubmission *bool     `json:"has_prior_submission,omitempty"`
	CorrelationID      string    `json:"correlation_id,omitempty"`
}

// ApplicationMarker mirrors the application engine's state for the open editor session.
type ApplicationMarker struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the full session-scoped state.
type Record struct {
	Pending         *PendingTrigger    `json:"pending,omitempty"`
	Application     *ApplicationMarker `json:"application,omitempty"`
	AutoOpenChecked bool               `json:"auto_open_checked"`
}

// Store guards the Record. The zero value is not usable; call NewStore.
type Store struct {
	mu  sync.Mutex
	rec Record
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{}
}

// Pending returns the active trigger, if any.
func (s *Store) Pending() (PendingTrigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Pending == nil {
		return PendingTrigger{}, false
	}
	return *s.rec.Pending, true
}

// SetPending replaces the active trigger.
func (s *Store) SetPending(p PendingTrigger) error {
	if p.TemplateID == "" {
		return fmt.Errorf("pending trigger needs a template id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Pending = &p
	return nil
}

// ReplacePendingIf swaps the trigger only when keep returns false for the
// current one. It reports whether the swap happened.
func (s *Store) ReplacePendingIf(p PendingTrigger, keep func(current PendingTrigger) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Pending != nil && keep(*s.rec.Pending) {
		return false
	}
	s.rec.Pending = &p
	return true
}

// ClearPending drops the active trigger.
func (s *Store) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Pending = nil
}

// ClearPendingIf drops the trigger only when match returns true for it.
func (s *Store) ClearPendingIf(match func(current PendingTrigger) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Pending == nil || !match(*s.rec.Pending) {
		return false
	}
	s.rec.Pending = nil
	return true
}

// Application returns the application marker, if any.
func (s *Store) Application() (ApplicationMarker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Application == nil {
		return ApplicationMarker{}, false
	}
	return *s.rec.Application, true
}

// SetApplication records the engine state for a session.
func (s *Store) SetApplication(sessionID, state string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Application = &ApplicationMarker{SessionID: sessionID, State: state, UpdatedAt: at}
}

// ClearApplication drops the application marker.
func (s *Store) ClearApplication() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Application = nil
}

// ClaimAutoOpen sets the per-page auto-open flag. It returns false when the
// flag was already set, so exactly one caller per page load wins.
func (s *Store) ClaimAutoOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.AutoOpenChecked {
		return false
	}
	s.rec.AutoOpenChecked = true
	return true
}

// ResetAutoOpen clears the per-page auto-open flag.
func (s *Store) ResetAutoOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.AutoOpenChecked = false
}

// Clear drops the whole record, as at the end of the browser session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = Record{}
}

// Snapshot returns a deep copy of the record.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Record{AutoOpenChecked: s.rec.AutoOpenChecked}
	if s.rec.Pending != nil {
		p := *s.rec.Pending
		out.Pending = &p
	}
	if s.rec.Application != nil {
		a := *s.rec.Application
		out.Application = &a
	}
	return out
}

// MarshalJSON renders a snapshot, for debug output.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
