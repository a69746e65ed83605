package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockSession is an in-memory editor session.
type MockSession struct {
	// SaveFunc is called when Save is invoked. Override to customize behavior.
	SaveFunc func(ctx context.Context) error
	// OnSetContent runs after every SetContent, outside the session lock.
	OnSetContent func()

	id            string
	content       string
	title         string
	draftKey      string
	creatingTopic bool
	tags          []string

	saveCalls   int
	cancelCalls int

	mu sync.Mutex
}

// NewMockSession creates a session with a random id.
func NewMockSession(creatingTopic bool, draftKey string) *MockSession {
	return &MockSession{
		id:            uuid.NewString(),
		draftKey:      draftKey,
		creatingTopic: creatingTopic,
		SaveFunc:      func(_ context.Context) error { return nil },
	}
}

func (s *MockSession) ID() string { return s.id }

func (s *MockSession) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

func (s *MockSession) SetContent(text string) {
	s.mu.Lock()
	s.content = text
	hook := s.OnSetContent
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *MockSession) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *MockSession) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}

func (s *MockSession) DraftKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftKey
}

func (s *MockSession) SetDraftKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftKey = key
}

func (s *MockSession) CreatingTopic() bool { return s.creatingTopic }

func (s *MockSession) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

// SetTags replaces the session's tags.
func (s *MockSession) SetTags(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append([]string(nil), tags...)
}

// Save records the call and runs SaveFunc.
func (s *MockSession) Save(ctx context.Context) error {
	s.mu.Lock()
	s.saveCalls++
	fn := s.SaveFunc
	s.mu.Unlock()
	return fn(ctx)
}

func (s *MockSession) CancelPendingSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
}

// SaveCalls returns how many saves reached the session.
func (s *MockSession) SaveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

// CancelCalls returns how many times a pending save was cancelled.
func (s *MockSession) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}
