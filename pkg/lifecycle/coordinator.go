// Package lifecycle wires host navigation and editor events to the trigger
// resolver, the auto-open decider and the application engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"composertemplates/pkg/apply"
	"composertemplates/pkg/autoopen"
	"composertemplates/pkg/clock"
	"composertemplates/pkg/config"
	"composertemplates/pkg/existence"
	"composertemplates/pkg/frame"
	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
	"composertemplates/pkg/metrics"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
	"composertemplates/pkg/trigger"
)

// errNotReady is retried by the readiness wait.
var errNotReady = errors.New("composer not ready")

// Deps are the collaborators a Coordinator drives. Composer is required;
// the rest may be nil and degrade to "do nothing" for their concern.
type Deps struct {
	Settings  *config.Settings
	Composer  host.Composer
	Directory host.Directory
	Searcher  host.Searcher
	Drafts    host.DraftStore
	Frames    host.FrameSender
	Clock     clock.Clock
	Metrics   metrics.Recorder
}

// Coordinator owns the per-page components and serializes host events into them.
type Coordinator struct {
	settings  *config.Settings
	store     *session.Store
	registry  *templates.Registry
	resolver  *trigger.Resolver
	cache     *existence.Cache
	engine    *apply.Engine
	decider   *autoopen.Decider
	composer  host.Composer
	directory host.Directory
	frames    host.FrameSender
	clock     clock.Clock
	metrics   metrics.Recorder
	logger    *logx.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	currentURL  *url.URL
	debounce    clock.Timer
	openedTimer clock.Timer
	posted      host.Session
	// navSeq stamps navigations; an evaluation whose stamp is no longer
	// current lost to a newer page change.
	navSeq uint64

	// openMu serializes the final check-and-open step.
	openMu sync.Mutex
}

// New builds a coordinator and its components from settings.
func New(deps Deps) (*Coordinator, error) {
	if deps.Composer == nil {
		return nil, fmt.Errorf("lifecycle: composer is required")
	}
	parts := NewComponents(deps)

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		settings:  parts.Settings,
		store:     parts.Store,
		registry:  parts.Registry,
		resolver:  parts.Resolver,
		cache:     parts.Cache,
		engine:    parts.Engine,
		decider:   parts.Decider,
		composer:  deps.Composer,
		directory: deps.Directory,
		frames:    deps.Frames,
		clock:     parts.Clock,
		metrics:   parts.Metrics,
		logger:    logx.NewLogger("lifecycle"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start runs the first evaluation for the initial page.
func (c *Coordinator) Start(ctx context.Context, initial *url.URL) {
	if !c.settings.IsEnabled() {
		c.logger.Info("Composer templates disabled")
		return
	}
	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info("Initializing with %d enabled templates", c.registry.Len())
	c.HandlePageChange(initial)
}

// Stop cancels pending timers and in-flight work and ends the tracked session.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	if c.openedTimer != nil {
		c.openedTimer.Stop()
	}
	c.cancel()
	c.mu.Unlock()

	c.engine.SessionClosed(nil)
}

// HandleFrameMessage records a trigger from the embedded frame and schedules
// an auto-open evaluation. Rejected messages are dropped silently.
func (c *Coordinator) HandleFrameMessage(origin string, data []byte) {
	if !c.settings.IsEnabled() {
		return
	}
	p, err := c.resolver.RecordFromFrameMessage(origin, data)
	if err != nil {
		c.metrics.IncFrameMessage("rejected")
		c.logger.Debug("Ignoring frame message: %v", err)
		return
	}
	c.metrics.IncFrameMessage("accepted")
	c.logger.Debug("Frame trigger %s recorded", p.TemplateID)

	c.mu.Lock()
	u := c.currentURL
	c.mu.Unlock()
	c.HandlePageChange(u)
}

// HandlePageChange coalesces navigation notifications and evaluates the last one.
func (c *Coordinator) HandlePageChange(u *url.URL) {
	if !c.settings.IsEnabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentURL = u
	c.navSeq++
	seq := c.navSeq
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.clock.AfterFunc(c.settings.NavigationDebounce.Std(), func() { c.navigate(u, seq) })
}

// HandleEditorEvent reacts to a composer lifecycle event.
func (c *Coordinator) HandleEditorEvent(ev host.EditorEvent) {
	if !c.settings.IsEnabled() {
		return
	}
	switch ev {
	case host.EventOpened:
		c.mu.Lock()
		if c.openedTimer != nil {
			c.openedTimer.Stop()
		}
		c.openedTimer = c.clock.AfterFunc(c.settings.OpenedDelay.Std(), c.applyOpened)
		c.mu.Unlock()

	case host.EventClosed, host.EventWillClose, host.EventCancelled:
		c.mu.Lock()
		if c.openedTimer != nil {
			c.openedTimer.Stop()
		}
		c.posted = nil
		c.mu.Unlock()

		c.engine.SessionClosed(nil)
		c.store.ClearPending()
		c.logger.Debug("Editor %s, cleared template state", ev)

	case host.EventPosted:
		c.handlePosted()

	default:
		c.logger.Debug("Ignoring unknown editor event %q", ev)
	}
}

// Autosave routes a host autosave through the application engine's gate.
func (c *Coordinator) Autosave(ctx context.Context) (bool, error) {
	return c.engine.TrySave(ctx, c.composer.Current())
}

// Resolver exposes the trigger resolver.
func (c *Coordinator) Resolver() *trigger.Resolver { return c.resolver }

// Engine exposes the application engine.
func (c *Coordinator) Engine() *apply.Engine { return c.engine }

// Cache exposes the existence cache.
func (c *Coordinator) Cache() *existence.Cache { return c.cache }

// Decider exposes the auto-open decider.
func (c *Coordinator) Decider() *autoopen.Decider { return c.decider }

// Store exposes the session record.
func (c *Coordinator) Store() *session.Store { return c.store }

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Coordinator) navigate(u *url.URL, seq uint64) {
	ctx := c.context()
	if ctx.Err() != nil {
		return
	}

	active := c.resolver.Refresh(u)

	if s := c.composer.Current(); s != nil {
		if active == "" && c.shouldAutoClose(s) {
			c.logger.Info("Closing orphaned editor session %s after navigation", s.ID())
			if err := c.composer.Close(ctx); err != nil {
				c.logger.Warn("Failed to close orphaned editor: %v", err)
				return
			}
			c.engine.SessionClosed(s)
			return
		}
		c.logger.Debug("Editor already open, skipping auto-open check")
		return
	}

	c.decider.Reset()
	dec := c.decider.Decide(ctx, u)
	if !dec.Open {
		return
	}

	if err := c.waitReady(ctx); err != nil {
		c.logger.Debug("Timeout waiting for composer readiness: %v", err)
		return
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()
	if !c.isCurrentNavigation(seq) {
		c.logger.Debug("Navigation superseded while waiting for the composer, not opening")
		return
	}
	if c.composer.Current() != nil {
		c.logger.Debug("Editor opened while waiting for readiness, not opening again")
		return
	}
	if err := c.composer.Open(ctx, dec.Options); err != nil {
		c.logger.Warn("Error opening editor for template %s: %v", dec.TemplateID, err)
	}
}

func (c *Coordinator) isCurrentNavigation(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.navSeq == seq
}

// shouldAutoClose reports whether s is an unsubmitted draft left behind by a
// previous template context.
func (c *Coordinator) shouldAutoClose(s host.Session) bool {
	c.mu.Lock()
	posted := c.posted == s
	c.mu.Unlock()
	if posted {
		return false
	}
	if s.CreatingTopic() {
		return s.DraftKey() == c.settings.DefaultDraftKey
	}
	return c.settings.AutoCloseScope == config.AutoCloseAll
}

func (c *Coordinator) waitReady(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.settings.ReadyPollInterval.Std()),
			uint64(max(c.settings.ReadyMaxAttempts, 0)),
		),
		ctx,
	)
	return backoff.Retry(func() error {
		if c.composer.Ready() {
			return nil
		}
		return errNotReady
	}, policy)
}

func (c *Coordinator) applyOpened() {
	ctx := c.context()
	if ctx.Err() != nil {
		return
	}
	s := c.composer.Current()
	if s == nil {
		c.logger.Debug("Editor session vanished before the template could be applied")
		return
	}

	c.mu.Lock()
	u := c.currentURL
	c.mu.Unlock()

	id := c.resolver.ActiveTemplateID(u)
	outcome := c.engine.Apply(ctx, s, id)
	c.logger.Debug("Opened session %s, template %q: %s", s.ID(), id, outcome)
}

func (c *Coordinator) handlePosted() {
	ctx := c.context()
	s := c.composer.Current()

	c.mu.Lock()
	c.posted = s
	u := c.currentURL
	c.mu.Unlock()

	if p, ok := c.store.Pending(); ok && p.CorrelationID != "" && c.frames != nil {
		if err := c.frames.Send(ctx, frame.SubmissionComplete(p.CorrelationID)); err != nil {
			c.logger.Warn("Failed to notify frame of submission %s: %v", p.CorrelationID, err)
		}
	}

	var tags []string
	if s != nil {
		tags = s.Tags()
	}
	if len(tags) == 0 {
		tags = trigger.TagsFromURL(u)
	}
	c.cache.MarkExists(tags, c.currentUsername(ctx))
}

func (c *Coordinator) currentUsername(ctx context.Context) string {
	if c.directory == nil {
		return ""
	}
	user, err := c.directory.CurrentUser(ctx)
	if err != nil || user == nil {
		return ""
	}
	return user.Username
}

// noSearch answers every existence check with a failure, which the cache
// treats as "exists".
type noSearch struct{}

func (noSearch) SearchTopics(context.Context, host.SearchQuery) ([]host.Topic, error) {
	return nil, errors.New("no search endpoint configured")
}
