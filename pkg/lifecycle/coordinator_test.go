package lifecycle

import (
	"context"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"composertemplates/internal/mocks"
	"composertemplates/pkg/apply"
	"composertemplates/pkg/clock"
	"composertemplates/pkg/config"
	"composertemplates/pkg/existence"
	"composertemplates/pkg/frame"
	"composertemplates/pkg/host"
)

const trustedOrigin = "https://forms.example.com"

type fixture struct {
	coord     *Coordinator
	settings  *config.Settings
	clock     *clock.Manual
	composer  *mocks.MockComposer
	searcher  *mocks.MockSearcher
	drafts    *mocks.MockDraftStore
	frames    *mocks.MockFrameSender
	directory *mocks.MockDirectory
}

func testSettings(slots ...config.TemplateSlot) *config.Settings {
	s := config.Default()
	s.TrustedFrameOrigin = trustedOrigin
	s.ReadyPollInterval = config.Duration(time.Millisecond)
	for i := range slots {
		slots[i].Index = i + 1
		slots[i].Enabled = true
	}
	s.Templates = slots
	return s
}

func newFixture(t *testing.T, settings *config.Settings) *fixture {
	t.Helper()
	f := &fixture{
		settings: settings,
		clock:    clock.NewManual(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)),
		composer: mocks.NewMockComposer(),
		searcher: mocks.NewMockSearcher(),
		drafts:   mocks.NewMockDraftStore(),
		frames:   mocks.NewMockFrameSender(),
		directory: mocks.NewMockDirectory(
			[]host.Category{{ID: 5, Name: "Hidden", Slug: "hidden"}},
			&host.User{ID: 1, Username: "alice"},
		),
	}
	coord, err := New(Deps{
		Settings:  settings,
		Composer:  f.composer,
		Directory: f.directory,
		Searcher:  f.searcher,
		Drafts:    f.drafts,
		Frames:    f.frames,
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.coord = coord
	t.Cleanup(coord.Stop)
	return f
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// openAndApply fires the opened event and lets the render delay pass.
func (f *fixture) openAndApply() {
	f.coord.HandleEditorEvent(host.EventOpened)
	f.clock.Advance(f.settings.OpenedDelay.Std())
}

func TestNewRequiresComposer(t *testing.T) {
	_, err := New(Deps{Settings: testSettings()})
	assert.Error(t, err)
}

func TestAlwaysModeOpensAndApplies(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))

	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	opens := f.composer.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, []string{"x"}, opens[0].Tags)
	assert.Equal(t, host.ActionCreateTopic, opens[0].Action)
	assert.Equal(t, config.DefaultDraftKey, opens[0].DraftKey)
	assert.Equal(t, 5, opens[0].CategoryID)

	f.openAndApply()
	s := f.composer.CurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, "Hello", s.Content())
	assert.Equal(t, apply.StateApplied, f.coord.Engine().State(s))
}

func TestIfNoTopicsDoesNotOpenWhenThreadExists(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "ifNoTopics"}))
	f.searcher.OnSearch(func(q host.SearchQuery) ([]host.Topic, error) {
		return []host.Topic{{ID: 10, Title: "Already here"}}, nil
	})

	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	assert.Empty(t, f.composer.Opens())
	assert.Equal(t, 1, f.searcher.CallCount())
}

func TestExistingDraftIsNotOverwritten(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	s := mocks.NewMockSession(true, config.DefaultDraftKey)
	s.SetContent("draft text")
	f.composer.SetCurrent(s)
	f.openAndApply()

	assert.Equal(t, "draft text", s.Content())
	assert.Equal(t, apply.StateSkipped, f.coord.Engine().State(s))
	_, ok := f.coord.Store().Pending()
	assert.False(t, ok)
}

func TestFrameTriggerBeatsStaleURL(t *testing.T) {
	f := newFixture(t, testSettings(
		config.TemplateSlot{ID: "T1", Text: "one", Mode: "always"},
		config.TemplateSlot{ID: "T2", Text: "two", Mode: "always"},
	))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	require.Empty(t, f.composer.Opens())

	f.coord.HandleFrameMessage(trustedOrigin, []byte(`{"type":"template-trigger","template":"T2","correlationId":"c-1"}`))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	require.Len(t, f.composer.Opens(), 1)

	// A stale URL naming T1 arrives half a second after the frame message.
	f.clock.Advance(400 * time.Millisecond)
	f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/latest?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.openAndApply()

	assert.Equal(t, "two", f.composer.CurrentSession().Content())
	assert.Len(t, f.composer.Opens(), 1, "navigation with an open editor never reopens it")
}

func TestUntrustedFrameMessageIgnored(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "one", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest"))

	f.coord.HandleFrameMessage("https://evil.example.com", []byte(`{"type":"template-trigger","template":"T1"}`))
	f.coord.HandleFrameMessage(trustedOrigin, []byte(`not json`))
	f.clock.Advance(time.Second)

	_, ok := f.coord.Store().Pending()
	assert.False(t, ok)
	assert.Empty(t, f.composer.Opens())
}

func TestNavigationIsDebounced(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/a?composer_template=T1"))

	for _, tag := range []string{"b", "c", "d"} {
		f.clock.Advance(30 * time.Millisecond)
		f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/tag/"+tag+"?composer_template=T1"))
	}
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	opens := f.composer.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, []string{"d"}, opens[0].Tags)
}

func TestAutosaveSuppressedDuringApplication(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.openAndApply()
	s := f.composer.CurrentSession()

	saved, err := f.coord.Autosave(context.Background())
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, 0, s.SaveCalls())

	f.clock.Advance(f.settings.AutosaveGrace.Std())
	saved, err = f.coord.Autosave(context.Background())
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 2, s.SaveCalls(), "explicit save after grace plus the autosave")
}

func TestCloseClearsState(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.openAndApply()
	s := f.composer.CurrentSession()

	for _, ev := range []host.EditorEvent{host.EventWillClose, host.EventClosed} {
		f.coord.HandleEditorEvent(ev)
	}

	_, ok := f.coord.Store().Pending()
	assert.False(t, ok)
	_, ok = f.coord.Store().Application()
	assert.False(t, ok)
	assert.Equal(t, apply.StateIdle, f.coord.Engine().State(s))
}

func TestOpenedWithoutSessionAborts(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.composer.SetCurrent(nil)

	assert.NotPanics(t, f.openAndApply)
	_, ok := f.coord.Store().Pending()
	assert.True(t, ok, "markers stay as they are for the next lifecycle event")
}

func TestPostedNotifiesFrameAndMarksExistence(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "ifNoTopics"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x"))
	f.coord.HandleFrameMessage(trustedOrigin, []byte(`{"type":"template-trigger","template":"T1","correlationId":"c-9"}`))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	require.Len(t, f.composer.Opens(), 1)
	searches := f.searcher.CallCount()

	f.openAndApply()
	f.coord.HandleEditorEvent(host.EventPosted)

	assert.Equal(t, []any{frame.SubmissionComplete("c-9")}, f.frames.Messages())
	ctx := context.Background()
	assert.True(t, f.coord.Cache().Exists(ctx, existence.ScopeAny, []string{"x"}, ""))
	assert.True(t, f.coord.Cache().Exists(ctx, existence.ScopeUser, []string{"x"}, "alice"))
	assert.Equal(t, searches, f.searcher.CallCount())
}

func TestPostedWithoutCorrelationSendsNothing(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.openAndApply()

	f.coord.HandleEditorEvent(host.EventPosted)
	assert.Empty(t, f.frames.Messages())
}

func TestNavigationClosesOrphanedDraft(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	f.openAndApply()
	require.NotNil(t, f.composer.CurrentSession())

	f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/latest"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	assert.Equal(t, 1, f.composer.Closes())
	assert.Nil(t, f.composer.CurrentSession())
}

func TestNavigationKeepsReplyAndPostedSessions(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	f.composer.SetCurrent(mocks.NewMockSession(false, "topic_8"))
	f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/t/some-topic/8"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	assert.Equal(t, 0, f.composer.Closes(), "reply drafts are outside the default auto-close scope")

	f.composer.SetCurrent(mocks.NewMockSession(true, config.DefaultDraftKey))
	f.coord.HandleEditorEvent(host.EventPosted)
	f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/latest"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	assert.Equal(t, 0, f.composer.Closes(), "submitted sessions are left to the host")
}

func TestAutoCloseScopeAll(t *testing.T) {
	settings := testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"})
	settings.AutoCloseScope = config.AutoCloseAll
	f := newFixture(t, settings)
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/latest"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	f.composer.SetCurrent(mocks.NewMockSession(false, "topic_8"))
	f.coord.HandlePageChange(mustURL(t, "https://forum.example.com/latest?page=2"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	assert.Equal(t, 1, f.composer.Closes())
}

func TestReadinessTimeoutSkipsOpen(t *testing.T) {
	settings := testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"})
	settings.ReadyMaxAttempts = 2
	f := newFixture(t, settings)
	f.composer.ReadyFunc = func() bool { return false }
	f.composer.OpenFunc = func(_ context.Context, _ host.OpenOptions) error {
		t.Fatal("editor must not open before the composer is ready")
		return nil
	}

	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())

	assert.Nil(t, f.composer.CurrentSession())
}

func TestMasterSwitch(t *testing.T) {
	settings := testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"})
	disabled := false
	settings.Enabled = &disabled
	f := newFixture(t, settings)

	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.coord.HandleFrameMessage(trustedOrigin, []byte(`{"type":"template-trigger","template":"T1"}`))
	f.coord.HandleEditorEvent(host.EventOpened)
	f.clock.Advance(time.Second)

	assert.Empty(t, f.composer.Opens())
	assert.Equal(t, 0, f.clock.Pending())
	_, ok := f.coord.Store().Pending()
	assert.False(t, ok)
}

func TestStopCancelsPendingWork(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.coord.Stop()
	f.clock.Advance(time.Second)

	assert.Empty(t, f.composer.Opens())
}

func TestOverlappingNavigationsOpenOnce(t *testing.T) {
	settings := testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"})
	settings.NavigationDebounce = config.Duration(20 * time.Millisecond)
	settings.ReadyPollInterval = config.Duration(10 * time.Millisecond)
	settings.ReadyMaxAttempts = 200

	var ready atomic.Bool
	composer := mocks.NewMockComposer()
	composer.ReadyFunc = ready.Load
	coord, err := New(Deps{Settings: settings, Composer: composer})
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	u := mustURL(t, "https://forum.example.com/tag/x?composer_template=T1")
	coord.Start(context.Background(), u)
	time.Sleep(120 * time.Millisecond)
	coord.HandlePageChange(u)
	time.Sleep(120 * time.Millisecond)
	ready.Store(true)

	assert.Eventually(t, func() bool { return len(composer.Opens()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, composer.Opens(), 1, "a repeated notification must not open a second editor")
}

func TestSaveDuringApplyThroughCoordinator(t *testing.T) {
	f := newFixture(t, testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"}))
	f.coord.Start(context.Background(), mustURL(t, "https://forum.example.com/tag/x?composer_template=T1"))
	f.clock.Advance(f.settings.NavigationDebounce.Std())
	s := f.composer.CurrentSession()
	require.NotNil(t, s)

	var saved []bool
	s.OnSetContent = func() {
		ok, err := f.coord.Autosave(context.Background())
		assert.NoError(t, err)
		saved = append(saved, ok)
	}

	done := make(chan struct{})
	go func() {
		f.openAndApply()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("applying the template blocked on an autosave")
	}

	assert.Equal(t, []bool{false}, saved)
	assert.Equal(t, "Hello", s.Content())
	assert.Equal(t, 0, s.SaveCalls())
}

func TestNewComponentsWithoutComposer(t *testing.T) {
	parts := NewComponents(Deps{Settings: testSettings(config.TemplateSlot{ID: "T1", Text: "Hello", Mode: "always"})})

	u := mustURL(t, "https://forum.example.com/latest?composer_template=T1")
	assert.Equal(t, "T1", parts.Resolver.Refresh(u))
	dec := parts.Decider.Decide(context.Background(), u)
	assert.True(t, dec.Open)
	assert.Equal(t, 1, parts.Registry.Len())
}

func TestNewComponentsDefaults(t *testing.T) {
	parts := NewComponents(Deps{})

	assert.NotNil(t, parts.Settings)
	assert.NotNil(t, parts.Clock)
	assert.NotNil(t, parts.Metrics)
	assert.Equal(t, 0, parts.Registry.Len())
	// The default searcher fails, which the cache reads as "exists".
	assert.True(t, parts.Cache.Exists(context.Background(), existence.ScopeAny, []string{"x"}, ""))
}
