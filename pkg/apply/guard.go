package apply

import (
	"sync"
	"time"

	"composertemplates/pkg/clock"
	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
)

// DraftGuard polls one session's draft key and forces it back whenever the
// host resurrects a non-default key after a template was applied. It stops on
// its own once the session has no draft key or the poll budget runs out.
type DraftGuard struct {
	session    host.Session
	clock      clock.Clock
	interval   time.Duration
	maxPolls   int
	defaultKey string
	target     string
	hold       func() bool
	onReset    func()
	logger     *logx.Logger

	mu     sync.Mutex
	timer  clock.Timer
	polls  int
	active bool
}

type guardConfig struct {
	interval   time.Duration
	maxPolls   int
	defaultKey string
	target     string
	// hold reports whether the application mark is set for the session.
	hold    func() bool
	onReset func()
}

func startDraftGuard(s host.Session, clk clock.Clock, cfg guardConfig, logger *logx.Logger) *DraftGuard {
	g := &DraftGuard{
		session:    s,
		clock:      clk,
		interval:   cfg.interval,
		maxPolls:   cfg.maxPolls,
		defaultKey: cfg.defaultKey,
		target:     cfg.target,
		hold:       cfg.hold,
		onReset:    cfg.onReset,
		logger:     logger,
		active:     true,
	}
	g.mu.Lock()
	g.timer = clk.AfterFunc(g.interval, g.tick)
	g.mu.Unlock()
	logger.Debug("Started draft guard for session %s", s.ID())
	return g
}

func (g *DraftGuard) tick() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.polls++
	polls := g.polls
	g.mu.Unlock()

	key := g.session.DraftKey()
	if key == "" {
		g.logger.Debug("Draft key cleared for session %s, stopping guard", g.session.ID())
		g.Stop()
		return
	}

	if key != g.defaultKey && g.hold() {
		g.logger.Debug("Draft resurrection detected on %s (%s), resetting to %q", g.session.ID(), key, g.target)
		g.session.SetDraftKey(g.target)
		if g.onReset != nil {
			g.onReset()
		}
	}

	if g.maxPolls > 0 && polls >= g.maxPolls {
		g.logger.Debug("Draft guard for session %s reached %d polls", g.session.ID(), polls)
		g.Stop()
		return
	}

	g.mu.Lock()
	if g.active {
		g.timer = g.clock.AfterFunc(g.interval, g.tick)
	}
	g.mu.Unlock()
}

// Stop cancels the guard. Safe to call more than once.
func (g *DraftGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.active = false
	if g.timer != nil {
		g.timer.Stop()
	}
}

// Active reports whether the guard is still polling.
func (g *DraftGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Polls returns how many times the guard has looked at the draft key.
func (g *DraftGuard) Polls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}
