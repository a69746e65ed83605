package mocks

import (
	"context"
	"sync"

	"composertemplates/pkg/host"
)

// MockComposer implements host.Composer. Open creates a MockSession from the
// options and makes it current.
type MockComposer struct {
	// OpenFunc is called when Open is invoked. Override to customize behavior.
	OpenFunc func(ctx context.Context, opts host.OpenOptions) error

	// ReadyFunc reports readiness. Defaults to true.
	ReadyFunc func() bool

	// OpenCalls tracks all calls to Open for verification.
	OpenCalls []host.OpenOptions

	// CloseCalls counts calls to Close.
	CloseCalls int

	current *MockSession

	// mu protects call tracking and the current session
	mu sync.Mutex
}

// NewMockComposer creates a composer with no open session.
func NewMockComposer() *MockComposer {
	m := &MockComposer{}
	m.OpenFunc = func(_ context.Context, opts host.OpenOptions) error {
		s := NewMockSession(opts.Action == host.ActionCreateTopic, opts.DraftKey)
		s.SetTags(opts.Tags)
		m.SetCurrent(s)
		return nil
	}
	m.ReadyFunc = func() bool { return true }
	return m
}

// Open implements host.Composer.
func (m *MockComposer) Open(ctx context.Context, opts host.OpenOptions) error {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, opts)
	fn := m.OpenFunc
	m.mu.Unlock()
	return fn(ctx, opts)
}

// Close implements host.Composer.
func (m *MockComposer) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.current = nil
	return nil
}

// Current implements host.Composer. A nil *MockSession is returned as a nil interface.
func (m *MockComposer) Current() host.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

// Ready implements host.Composer.
func (m *MockComposer) Ready() bool {
	m.mu.Lock()
	fn := m.ReadyFunc
	m.mu.Unlock()
	return fn()
}

// SetCurrent makes s the open session. Pass nil to close it without recording a call.
func (m *MockComposer) SetCurrent(s *MockSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// CurrentSession returns the open session as a *MockSession.
func (m *MockComposer) CurrentSession() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Opens returns a copy of the recorded Open calls.
func (m *MockComposer) Opens() []host.OpenOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]host.OpenOptions(nil), m.OpenCalls...)
}

// Closes returns the number of Close calls.
func (m *MockComposer) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}
