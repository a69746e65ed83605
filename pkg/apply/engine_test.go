package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"composertemplates/internal/mocks"
	"composertemplates/pkg/clock"
	"composertemplates/pkg/config"
	"composertemplates/pkg/host"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
)

func testRegistry() *templates.Registry {
	return templates.NewRegistry([]config.TemplateSlot{
		{Index: 1, Enabled: true, ID: "T1", Title: "Intro", Text: "Hello", UseFor: "both"},
		{Index: 2, Enabled: true, ID: "T2", Title: "New thread", Text: "Topic body", UseFor: "first_post"},
		{Index: 3, Enabled: true, ID: "T3", Title: "Ignored", Text: "Reply body", UseFor: "all_replies"},
	})
}

func testOptions() Options {
	return Options{
		DefaultDraftKey: config.DefaultDraftKey,
		GraceDelay:      time.Second,
		SaveAfterApply:  true,
		GuardInterval:   50 * time.Millisecond,
		GuardMaxPolls:   20,
		GuardTarget:     "",
	}
}

type engineFixture struct {
	engine *Engine
	store  *session.Store
	drafts *mocks.MockDraftStore
	clock  *clock.Manual
}

func newFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	store := session.NewStore()
	drafts := mocks.NewMockDraftStore()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return &engineFixture{
		engine: NewEngine(testRegistry(), store, drafts, clk, nil, opts),
		store:  store,
		drafts: drafts,
		clock:  clk,
	}
}

func TestApplyWritesTemplate(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	outcome := f.engine.Apply(context.Background(), s, "T1")

	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "Hello", s.Content())
	assert.Equal(t, "Intro", s.Title())
	assert.Equal(t, StateApplied, f.engine.State(s))
	assert.Equal(t, 1, s.CancelCalls(), "a scheduled autosave is dropped before the write")

	marker, ok := f.store.Application()
	require.True(t, ok)
	assert.Equal(t, s.ID(), marker.SessionID)
	assert.Equal(t, string(StateApplied), marker.State)
}

func TestApplyReplyLeavesTitleAlone(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(false, "topic_12")

	assert.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T3"))
	assert.Equal(t, "Reply body", s.Content())
	assert.Empty(t, s.Title())
}

func TestIneligibleSessionsAreNeverMutated(t *testing.T) {
	for _, tmpl := range testRegistry().Enabled() {
		for _, creatingTopic := range []bool{true, false} {
			if ShouldApply(tmpl, creatingTopic) {
				continue
			}
			t.Run(fmt.Sprintf("%s/creating=%t", tmpl.ID, creatingTopic), func(t *testing.T) {
				f := newFixture(t, testOptions())
				require.NoError(t, f.store.SetPending(session.PendingTrigger{TemplateID: tmpl.ID, Source: session.SourceURL}))
				s := mocks.NewMockSession(creatingTopic, "topic_1")

				assert.Equal(t, OutcomeSkippedRole, f.engine.Apply(context.Background(), s, tmpl.ID))
				assert.Empty(t, s.Content())
				assert.Empty(t, s.Title())
				assert.Equal(t, StateSkipped, f.engine.State(s))
				assert.Empty(t, f.drafts.DeletedKeys())

				_, ok := f.store.Pending()
				assert.True(t, ok, "an ineligible session keeps the trigger for a later session")
			})
		}
	}
}

func TestApplyIsIdempotentPerSession(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
	s.SetContent("Hello, edited by the user")

	assert.Equal(t, OutcomeAlreadyHandled, f.engine.Apply(context.Background(), s, "T1"))
	assert.Equal(t, "Hello, edited by the user", s.Content())
	assert.Equal(t, StateApplied, f.engine.State(s))
}

func TestExistingContentSkipsAndClearsTrigger(t *testing.T) {
	f := newFixture(t, testOptions())
	require.NoError(t, f.store.SetPending(session.PendingTrigger{TemplateID: "T1", Source: session.SourceFrame}))
	s := mocks.NewMockSession(true, config.DefaultDraftKey)
	s.SetContent("draft text")

	assert.Equal(t, OutcomeSkippedContent, f.engine.Apply(context.Background(), s, "T1"))
	assert.Equal(t, "draft text", s.Content())
	assert.Equal(t, StateSkipped, f.engine.State(s))

	_, ok := f.store.Pending()
	assert.False(t, ok)

	// Opening the same session again does not retry.
	assert.Equal(t, OutcomeAlreadyHandled, f.engine.Apply(context.Background(), s, "T1"))
}

func TestExistingTitleSkips(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)
	s.SetTitle("My own title")

	assert.Equal(t, OutcomeSkippedContent, f.engine.Apply(context.Background(), s, "T2"))
	assert.Empty(t, s.Content())
	assert.Equal(t, "My own title", s.Title())
}

func TestUnknownTemplateStaysIdle(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	assert.Equal(t, OutcomeNoTemplate, f.engine.Apply(context.Background(), s, "missing"))
	assert.Equal(t, OutcomeNoTemplate, f.engine.Apply(context.Background(), s, ""))
	assert.Equal(t, StateIdle, f.engine.State(s))
	assert.Equal(t, OutcomeNoSession, f.engine.Apply(context.Background(), nil, "T1"))
}

func TestSavesSuppressedUntilGraceEnds(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)
	ctx := context.Background()

	require.Equal(t, OutcomeApplied, f.engine.Apply(ctx, s, "T1"))

	for _, step := range []time.Duration{0, 500 * time.Millisecond, 499 * time.Millisecond} {
		f.clock.Advance(step)
		saved, err := f.engine.TrySave(ctx, s)
		require.NoError(t, err)
		assert.False(t, saved)
		assert.True(t, f.engine.Suppressed(s))
	}
	assert.Equal(t, 0, s.SaveCalls(), "no save reaches the host while suppressed")

	f.clock.Advance(time.Millisecond)
	assert.False(t, f.engine.Suppressed(s))
	assert.Equal(t, 1, s.SaveCalls(), "one explicit save follows the grace delay")

	saved, err := f.engine.TrySave(ctx, s)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 2, s.SaveCalls())
}

func TestNoSaveAfterApplyWhenDisabled(t *testing.T) {
	opts := testOptions()
	opts.SaveAfterApply = false
	f := newFixture(t, opts)
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
	f.clock.Advance(time.Second)

	assert.False(t, f.engine.Suppressed(s))
	assert.Equal(t, 0, s.SaveCalls())
}

func TestTrySavePassesThroughForOtherSessions(t *testing.T) {
	f := newFixture(t, testOptions())
	applied := mocks.NewMockSession(true, config.DefaultDraftKey)
	other := mocks.NewMockSession(false, "topic_3")
	other.SaveFunc = func(_ context.Context) error { return errors.New("409 conflict") }

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), applied, "T1"))

	saved, err := f.engine.TrySave(context.Background(), other)
	assert.True(t, saved)
	assert.Error(t, err)
}

func TestNonDefaultDraftIsDeleted(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, "new_topic_resurrected")

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))

	assert.Eventually(t, func() bool {
		keys := f.drafts.DeletedKeys()
		return len(keys) == 1 && keys[0] == "new_topic_resurrected"
	}, time.Second, 5*time.Millisecond)
}

func TestDraftDeleteFailureDoesNotBlockApply(t *testing.T) {
	for name, deleteErr := range map[string]error{
		"not found": fmt.Errorf("delete: %w", host.ErrDraftNotFound),
		"server":    errors.New("500 internal error"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			deleted := make(chan string, 1)
			f.drafts.DeleteFunc = func(key string) error {
				deleted <- key
				return deleteErr
			}
			s := mocks.NewMockSession(true, "topic_77")

			assert.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
			assert.Equal(t, "Hello", s.Content())

			select {
			case key := <-deleted:
				assert.Equal(t, "topic_77", key)
			case <-time.After(time.Second):
				t.Fatal("draft delete was never attempted")
			}
		})
	}
}

func TestDefaultDraftIsKept(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
	require.NotNil(t, f.engine.Guard(s), "the guard watches default keys too")

	f.clock.Advance(200 * time.Millisecond)
	assert.Equal(t, config.DefaultDraftKey, s.DraftKey())
	assert.Empty(t, f.drafts.DeletedKeys())
}

// autosavingSession saves through the engine whenever its content changes,
// the way a host's model observer does.
type autosavingSession struct {
	*mocks.MockSession
	engine *Engine

	mu      sync.Mutex
	results []bool
}

func (a *autosavingSession) SetContent(content string) {
	a.MockSession.SetContent(content)
	saved, _ := a.engine.TrySave(context.Background(), a)
	a.mu.Lock()
	a.results = append(a.results, saved)
	a.mu.Unlock()
}

func (a *autosavingSession) saveResults() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.results...)
}

func TestSaveDuringWriteIsSwallowed(t *testing.T) {
	f := newFixture(t, testOptions())
	s := &autosavingSession{MockSession: mocks.NewMockSession(true, config.DefaultDraftKey), engine: f.engine}

	done := make(chan Outcome, 1)
	go func() { done <- f.engine.Apply(context.Background(), s, "T1") }()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeApplied, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Apply did not return while the host saved during the write")
	}
	assert.Equal(t, []bool{false}, s.saveResults())
	assert.Equal(t, 0, s.SaveCalls())
	assert.Equal(t, "Hello", s.Content())
}

func TestConcurrentApplyWritesOnce(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.engine.Apply(context.Background(), s, "T1")
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeAlreadyHandled, o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, s.CancelCalls())
}

func TestGuardRevertsKeyMovedAwayFromDefault(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
	s.SetDraftKey("new_topic_resurrected")
	f.clock.Advance(200 * time.Millisecond)

	assert.Empty(t, s.DraftKey())
	assert.False(t, f.engine.Guard(s).Active())
}

func TestReplacedSessionClearsMarker(t *testing.T) {
	f := newFixture(t, testOptions())
	first := mocks.NewMockSession(true, config.DefaultDraftKey)
	second := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), first, "T1"))
	_, ok := f.store.Application()
	require.True(t, ok)

	assert.Equal(t, OutcomeNoTemplate, f.engine.Apply(context.Background(), second, "missing"))
	_, ok = f.store.Application()
	assert.False(t, ok, "the marker no longer describes the replaced session")
}

func TestSessionClosedResets(t *testing.T) {
	f := newFixture(t, testOptions())
	s := mocks.NewMockSession(true, "topic_5")

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), s, "T1"))
	guard := f.engine.Guard(s)
	require.NotNil(t, guard)

	f.engine.SessionClosed(s)

	assert.Equal(t, StateIdle, f.engine.State(s))
	assert.False(t, guard.Active())
	assert.Equal(t, 0, f.clock.Pending(), "no timer outlives the session")
	_, ok := f.store.Application()
	assert.False(t, ok)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 0, s.SaveCalls(), "the grace save is cancelled with the session")

	next := mocks.NewMockSession(true, config.DefaultDraftKey)
	assert.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), next, "T1"))
}

func TestReplacedSessionStartsIdle(t *testing.T) {
	f := newFixture(t, testOptions())
	first := mocks.NewMockSession(true, config.DefaultDraftKey)
	second := mocks.NewMockSession(true, config.DefaultDraftKey)

	require.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), first, "T1"))
	assert.Equal(t, OutcomeApplied, f.engine.Apply(context.Background(), second, "T1"))
	assert.Equal(t, StateIdle, f.engine.State(first))

	// Closing a session that is no longer tracked is a no-op.
	f.engine.SessionClosed(first)
	assert.Equal(t, StateApplied, f.engine.State(second))
}
