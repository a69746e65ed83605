package mocks

import (
	"context"
	"sync"

	"composertemplates/pkg/host"
)

// MockSearcher implements host.Searcher.
type MockSearcher struct {
	// SearchFunc is called when SearchTopics is invoked. Defaults to no results.
	SearchFunc func(q host.SearchQuery) ([]host.Topic, error)

	// Calls tracks all queries for verification.
	Calls []host.SearchQuery

	mu sync.Mutex
}

// NewMockSearcher creates a searcher that finds nothing.
func NewMockSearcher() *MockSearcher {
	return &MockSearcher{
		SearchFunc: func(_ host.SearchQuery) ([]host.Topic, error) { return nil, nil },
	}
}

// SearchTopics implements host.Searcher.
func (m *MockSearcher) SearchTopics(_ context.Context, q host.SearchQuery) ([]host.Topic, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, q)
	fn := m.SearchFunc
	m.mu.Unlock()
	return fn(q)
}

// OnSearch sets a custom handler for SearchTopics calls.
func (m *MockSearcher) OnSearch(fn func(q host.SearchQuery) ([]host.Topic, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchFunc = fn
}

// CallCount returns the number of searches issued.
func (m *MockSearcher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockDraftStore implements host.DraftStore.
type MockDraftStore struct {
	// DeleteFunc is called when DeleteDraft is invoked. Defaults to success.
	DeleteFunc func(key string) error

	// Deleted tracks every key passed to DeleteDraft.
	Deleted []string

	mu sync.Mutex
}

// NewMockDraftStore creates a draft store whose deletes succeed.
func NewMockDraftStore() *MockDraftStore {
	return &MockDraftStore{DeleteFunc: func(_ string) error { return nil }}
}

// DeleteDraft implements host.DraftStore.
func (m *MockDraftStore) DeleteDraft(_ context.Context, key string) error {
	m.mu.Lock()
	m.Deleted = append(m.Deleted, key)
	fn := m.DeleteFunc
	m.mu.Unlock()
	return fn(key)
}

// DeletedKeys returns a copy of the deleted keys.
func (m *MockDraftStore) DeletedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Deleted...)
}

// MockDirectory implements host.Directory with fixed data.
type MockDirectory struct {
	CategoryList []host.Category
	User         *host.User
	Err          error
}

// NewMockDirectory creates a directory with the given categories and user.
func NewMockDirectory(categories []host.Category, user *host.User) *MockDirectory {
	return &MockDirectory{CategoryList: categories, User: user}
}

// Categories implements host.Directory.
func (m *MockDirectory) Categories(_ context.Context) ([]host.Category, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]host.Category(nil), m.CategoryList...), nil
}

// CurrentUser implements host.Directory.
func (m *MockDirectory) CurrentUser(_ context.Context) (*host.User, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.User, nil
}

// MockFrameSender implements host.FrameSender.
type MockFrameSender struct {
	// SendFunc is called when Send is invoked. Defaults to success.
	SendFunc func(msg any) error

	// Sent tracks every message passed to Send.
	Sent []any

	mu sync.Mutex
}

// NewMockFrameSender creates a sender that accepts everything.
func NewMockFrameSender() *MockFrameSender {
	return &MockFrameSender{SendFunc: func(_ any) error { return nil }}
}

// Send implements host.FrameSender.
func (m *MockFrameSender) Send(_ context.Context, msg any) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	fn := m.SendFunc
	m.mu.Unlock()
	return fn(msg)
}

// Messages returns a copy of the sent messages.
func (m *MockFrameSender) Messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.Sent...)
}
