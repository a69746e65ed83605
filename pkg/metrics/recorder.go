// Package metrics records coordinator decisions and cache traffic.
package metrics

import "time"

// Existence lookup results.
const (
	LookupHit        = "hit"
	LookupMiss       = "miss"
	LookupError      = "error"
	LookupAssumed    = "assumed"
	LookupOptimistic = "optimistic"
)

// Recorder is the metrics surface the components report to.
type Recorder interface {
	// ObserveExistenceLookup counts one existence check by mode and result.
	ObserveExistenceLookup(mode, result string)

	// ObserveSearch records a search round trip.
	ObserveSearch(success bool, duration time.Duration)

	// IncApplication counts an application engine outcome (applied, skipped, ...).
	IncApplication(outcome string)

	// IncAutoOpen counts an auto-open decision and its reason.
	IncAutoOpen(opened bool, reason string)

	// IncDraftGuardReset counts draft keys forced back by the guard.
	IncDraftGuardReset()

	// IncFrameMessage counts inbound frame messages by status.
	IncFrameMessage(status string)

	// IncSuppressedSave counts saves swallowed while autosave was suppressed.
	IncSuppressedSave()
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveExistenceLookup(_, _ string) {}
func (n *NoopRecorder) ObserveSearch(_ bool, _ time.Duration) {}
func (n *NoopRecorder) IncApplication(_ string) {}
func (n *NoopRecorder) IncAutoOpen(_ bool, _ string) {}
func (n *NoopRecorder) IncDraftGuardReset() {}
func (n *NoopRecorder) IncFrameMessage(_ string) {}
func (n *NoopRecorder) IncSuppressedSave() {}
