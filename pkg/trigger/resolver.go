// Package trigger decides which template is active, from frame messages and
// from the current URL.
package trigger

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"composertemplates/pkg/clock"
	"composertemplates/pkg/frame"
	"composertemplates/pkg/logx"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
)

// Options configures a Resolver.
type Options struct {
	ParamKey       string
	TrustedOrigin  string
	CoalesceWindow time.Duration
}

// Resolver records triggers into the session store and answers which
// template id is active.
type Resolver struct {
	registry *templates.Registry
	store    *session.Store
	clock    clock.Clock
	opts     Options
	logger   *logx.Logger
}

// NewResolver creates a resolver.
func NewResolver(registry *templates.Registry, store *session.Store, clk clock.Clock, opts Options) *Resolver {
	return &Resolver{
		registry: registry,
		store:    store,
		clock:    clk,
		opts:     opts,
		logger:   logx.NewLogger("trigger"),
	}
}

// RecordFromFrameMessage validates a frame message and makes it the pending
// trigger. A frame trigger always replaces whatever was pending. Messages
// without a correlation id get a fresh one so the submission notice can
// always echo something back.
func (r *Resolver) RecordFromFrameMessage(origin string, raw []byte) (session.PendingTrigger, error) {
	msg, err := frame.Decode(origin, r.opts.TrustedOrigin, raw)
	if err != nil {
		return session.PendingTrigger{}, fmt.Errorf("frame message rejected: %w", err)
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	p := session.PendingTrigger{
		TemplateID:         msg.Template,
		Source:             session.SourceFrame,
		ReceivedAt:         r.clock.Now(),
		HasPriorSubmission: msg.HasPriorSubmission,
		CorrelationID:      correlationID,
	}
	if err := r.store.SetPending(p); err != nil {
		return session.PendingTrigger{}, err
	}
	r.logger.Debug("Stored template %s from frame message (correlation %s)", p.TemplateID, correlationID)
	return p, nil
}

// ResolveFromURL reads the template query parameter, then falls back to the
// first template whose url match occurs in path+query+fragment.
func (r *Resolver) ResolveFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if id := u.Query().Get(r.opts.ParamKey); id != "" {
		return id
	}
	if tmpl, ok := r.registry.MatchURL(matchTarget(u)); ok {
		return tmpl.ID
	}
	return ""
}

// ActiveTemplateID returns the template id currently in force for u.
//
// A frame trigger younger than the coalescing window beats the URL. Otherwise
// an id derived from the URL wins, and the stored trigger is the last resort.
func (r *Resolver) ActiveTemplateID(u *url.URL) string {
	p, ok := r.store.Pending()
	if ok && r.freshFrame(p) {
		return p.TemplateID
	}
	if id := r.ResolveFromURL(u); id != "" {
		return id
	}
	if ok {
		return p.TemplateID
	}
	return ""
}

// Refresh applies a navigation to the pending trigger and returns the active id.
//
// A URL-derived id is stored unless a fresh frame trigger holds the slot. A URL
// with no template context drops a URL-sourced trigger; frame triggers survive
// navigation until the editor session consumes or cancels them.
func (r *Resolver) Refresh(u *url.URL) string {
	if id := r.ResolveFromURL(u); id != "" {
		p := session.PendingTrigger{TemplateID: id, Source: session.SourceURL, ReceivedAt: r.clock.Now()}
		if !r.store.ReplacePendingIf(p, r.freshFrame) {
			r.logger.Debug("Ignoring URL template %s, a fresh frame trigger takes precedence", id)
		}
	} else if r.store.ClearPendingIf(func(cur session.PendingTrigger) bool { return cur.Source == session.SourceURL }) {
		r.logger.Debug("Cleared URL-sourced trigger, %s has no template context", u)
	}
	return r.ActiveTemplateID(u)
}

// Pending exposes the stored trigger.
func (r *Resolver) Pending() (session.PendingTrigger, bool) {
	return r.store.Pending()
}

// Clear drops the pending trigger.
func (r *Resolver) Clear() {
	r.store.ClearPending()
}

func (r *Resolver) freshFrame(p session.PendingTrigger) bool {
	return p.Source == session.SourceFrame && r.clock.Now().Sub(p.ReceivedAt) < r.opts.CoalesceWindow
}

func matchTarget(u *url.URL) string {
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		target += "#" + u.Fragment
	}
	return target
}
