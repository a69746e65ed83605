// Package apply writes templates into editor sessions without racing the
// host's autosave.
//
// One Engine instance serves the whole page; it tracks exactly one editor
// session at a time and runs the IDLE -> APPLYING -> APPLIED/SKIPPED state
// machine for it. While a write is in flight, and for a grace delay after,
// saves routed through TrySave are swallowed.
package apply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"composertemplates/pkg/clock"
	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
	"composertemplates/pkg/metrics"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
)

// Outcome describes what a call to Apply did.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeSkippedContent Outcome = "skipped_content"
	OutcomeSkippedRole    Outcome = "skipped_role"
	OutcomeNoTemplate     Outcome = "no_template"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeNoSession      Outcome = "no_session"
)

const (
	deleteDraftTimeout    = 10 * time.Second
	saveAfterApplyTimeout = 10 * time.Second
)

// Options tune the engine.
type Options struct {
	DefaultDraftKey string
	// GraceDelay keeps autosave suppressed after the write.
	GraceDelay time.Duration
	// SaveAfterApply issues one explicit save when suppression lifts.
	SaveAfterApply bool
	GuardInterval  time.Duration
	GuardMaxPolls  int
	// GuardTarget is the key the draft guard forces a resurrected key to.
	GuardTarget string
}

type sessionState struct {
	session       host.Session
	sessionID     string
	applicationID string
	state         State
	// claimed marks an Apply in progress for this session.
	claimed    bool
	suppressed bool
	graceTimer clock.Timer
	guard      *DraftGuard
}

// Engine applies templates to the open editor session.
type Engine struct {
	registry *templates.Registry
	store    *session.Store
	drafts   host.DraftStore
	clock    clock.Clock
	metrics  metrics.Recorder
	opts     Options
	logger   *logx.Logger

	mu      sync.Mutex
	current *sessionState
}

// NewEngine creates an engine. drafts may be nil, in which case persisted
// drafts are never deleted.
func NewEngine(registry *templates.Registry, store *session.Store, drafts host.DraftStore, clk clock.Clock, recorder metrics.Recorder, opts Options) *Engine {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Engine{
		registry: registry,
		store:    store,
		drafts:   drafts,
		clock:    clk,
		metrics:  recorder,
		opts:     opts,
		logger:   logx.NewLogger("apply"),
	}
}

// Apply runs the state machine for s with the given template id.
//
// Only an IDLE session is considered, so repeated calls for the same session
// never rewrite content. Ineligible sessions and sessions that already hold
// content end up SKIPPED; the latter also drop the pending trigger.
//
// e.mu is never held across a call into s, so the host may route saves
// through TrySave while the write is in progress.
func (e *Engine) Apply(ctx context.Context, s host.Session, templateID string) Outcome {
	if s == nil {
		return OutcomeNoSession
	}
	id := s.ID()

	e.mu.Lock()
	st := e.stateForLocked(s, id)
	if st.state != StateIdle || st.claimed {
		e.mu.Unlock()
		e.logger.Debug("Session %s already %s, not applying again", id, st.state)
		return OutcomeAlreadyHandled
	}
	if templateID == "" {
		e.mu.Unlock()
		return OutcomeNoTemplate
	}
	tmpl, err := e.registry.Resolve(templateID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Debug("No enabled template for %q: %v", templateID, err)
		return OutcomeNoTemplate
	}
	st.claimed = true
	e.mu.Unlock()

	creatingTopic := s.CreatingTopic()
	if !ShouldApply(tmpl, creatingTopic) {
		e.logger.Debug("Template %s (use_for %s) does not apply to session %s", tmpl.ID, tmpl.UseFor, id)
		e.finishSkip(st, OutcomeSkippedRole)
		return OutcomeSkippedRole
	}
	if hasContent(s) {
		e.finishSkip(st, OutcomeSkippedContent)
		return OutcomeSkippedContent
	}

	e.mu.Lock()
	if e.current != st {
		e.mu.Unlock()
		return OutcomeNoSession
	}
	e.transitionLocked(st, StateApplying)
	st.suppressed = true
	e.mu.Unlock()

	s.CancelPendingSave()

	// The host may have filled the session between the decision and now.
	if hasContent(s) {
		e.finishSkip(st, OutcomeSkippedContent)
		return OutcomeSkippedContent
	}

	key := s.DraftKey()
	if key != "" && key != e.opts.DefaultDraftKey && e.drafts != nil {
		go e.deleteDraft(ctx, key)
	}

	s.SetContent(tmpl.Text)
	if creatingTopic && tmpl.Title != "" {
		s.SetTitle(tmpl.Title)
	}

	e.mu.Lock()
	if e.current != st {
		// Closed or replaced mid-write; its timers are already gone.
		e.mu.Unlock()
		e.logger.Debug("Session %s went away while template %s was written", id, tmpl.ID)
		return OutcomeApplied
	}
	e.transitionLocked(st, StateApplied)
	st.claimed = false
	st.graceTimer = e.clock.AfterFunc(e.opts.GraceDelay, func() { e.endSuppression(st) })
	e.mu.Unlock()

	if key != "" {
		e.attachGuard(st)
	}
	e.metrics.IncApplication(string(OutcomeApplied))
	e.logger.Info("Applied template %s to session %s", tmpl.ID, id)
	return OutcomeApplied
}

// TrySave is the autosave gate. It reports whether the save reached the host.
func (e *Engine) TrySave(ctx context.Context, s host.Session) (bool, error) {
	if s == nil {
		return false, nil
	}

	e.mu.Lock()
	if st := e.current; st != nil && st.session == s && st.suppressed {
		e.mu.Unlock()
		e.metrics.IncSuppressedSave()
		e.logger.Debug("Save blocked during template application for session %s", s.ID())
		return false, nil
	}
	e.mu.Unlock()

	return true, s.Save(ctx)
}

// SessionClosed tears down state for s: timers, the draft guard and the
// application marker. A nil s closes whatever session is tracked.
func (e *Engine) SessionClosed(s host.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.current
	if st == nil || (s != nil && st.session != s) {
		return
	}
	e.stopLocked(st)
	if st.state != StateIdle {
		e.transitionLocked(st, StateIdle)
	}
	e.current = nil
	e.store.ClearApplication()
}

// State returns the state of s. Untracked sessions are IDLE.
func (e *Engine) State(s host.Session) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.session != s {
		return StateIdle
	}
	return e.current.state
}

// Suppressed reports whether saves for s are currently swallowed.
func (e *Engine) Suppressed(s host.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.session == s && e.current.suppressed
}

// Guard returns the draft guard running for s, if any.
func (e *Engine) Guard(s host.Session) *DraftGuard {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.session != s {
		return nil
	}
	return e.current.guard
}

func (e *Engine) stateForLocked(s host.Session, id string) *sessionState {
	if e.current != nil && e.current.session == s {
		return e.current
	}
	if e.current != nil {
		// A different session replaced the tracked one without a close event.
		e.stopLocked(e.current)
		e.store.ClearApplication()
	}
	e.current = &sessionState{
		session:       s,
		sessionID:     id,
		applicationID: uuid.NewString(),
		state:         StateIdle,
	}
	return e.current
}

func (e *Engine) transitionLocked(st *sessionState, to State) {
	if !IsValidTransition(st.state, to) {
		e.logger.Warn("Invalid application transition %s -> %s for session %s", st.state, to, st.sessionID)
		return
	}
	e.logger.DebugState("transition", string(to), string(st.state)+" -> "+string(to))
	st.state = to

	id := st.sessionID
	if id == "" {
		id = st.applicationID
	}
	if to == StateIdle {
		return
	}
	e.store.SetApplication(id, string(to), e.clock.Now())
}

// finishSkip moves a claimed session to SKIPPED. A content skip also drops
// the pending trigger.
func (e *Engine) finishSkip(st *sessionState, outcome Outcome) {
	e.mu.Lock()
	if e.current != st {
		e.mu.Unlock()
		return
	}
	if outcome == OutcomeSkippedContent {
		e.logger.Debug("Session %s already has content or title, skipping template", st.sessionID)
	}
	st.suppressed = false
	st.claimed = false
	e.transitionLocked(st, StateSkipped)
	e.mu.Unlock()

	if outcome == OutcomeSkippedContent {
		e.store.ClearPending()
	}
	e.metrics.IncApplication(string(outcome))
}

// attachGuard starts the draft guard outside e.mu, since its hold check
// takes the lock.
func (e *Engine) attachGuard(st *sessionState) {
	guard := startDraftGuard(st.session, e.clock, guardConfig{
		interval:   e.opts.GuardInterval,
		maxPolls:   e.opts.GuardMaxPolls,
		defaultKey: e.opts.DefaultDraftKey,
		target:     e.opts.GuardTarget,
		hold: func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.current == st && st.state == StateApplied
		},
		onReset: e.metrics.IncDraftGuardReset,
	}, e.logger)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != st || st.state != StateApplied {
		guard.Stop()
		return
	}
	st.guard = guard
}

func (e *Engine) stopLocked(st *sessionState) {
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	if st.guard != nil {
		st.guard.Stop()
	}
	st.suppressed = false
}

func (e *Engine) endSuppression(st *sessionState) {
	e.mu.Lock()
	if e.current != st || !st.suppressed {
		e.mu.Unlock()
		return
	}
	st.suppressed = false
	save := e.opts.SaveAfterApply
	e.mu.Unlock()

	e.logger.Debug("Draft saving re-enabled for session %s", st.sessionID)
	if !save {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveAfterApplyTimeout)
	defer cancel()
	if err := st.session.Save(ctx); err != nil {
		e.logger.Warn("Save after template application failed for session %s: %v", st.sessionID, err)
	}
}

func (e *Engine) deleteDraft(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteDraftTimeout)
	defer cancel()

	err := e.drafts.DeleteDraft(ctx, key)
	switch {
	case err == nil:
		e.logger.Debug("Deleted persisted draft %s", key)
	case errors.Is(err, host.ErrDraftNotFound):
		e.logger.Debug("Persisted draft %s already gone", key)
	default:
		e.logger.Warn("Draft deletion for %s failed: %v", key, err)
	}
}

func hasContent(s host.Session) bool {
	return strings.TrimSpace(s.Content()) != "" || strings.TrimSpace(s.Title()) != ""
}
