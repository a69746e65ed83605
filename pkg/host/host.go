// Package host declares the contracts of the hosting platform the
// coordination logic drives: the editor session, the composer that opens and
// closes it, and the network-backed services around them.
package host

import (
	"context"
	"errors"
)

// ErrDraftNotFound is returned by DraftStore.DeleteDraft for unknown keys.
var ErrDraftNotFound = errors.New("draft not found")

// Open actions.
const (
	ActionCreateTopic = "createTopic"
	ActionReply       = "reply"
)

// Session is the capability surface of one open editor session.
type Session interface {
	// ID is stable for the lifetime of the session.
	ID() string

	Content() string
	SetContent(text string)
	Title() string
	SetTitle(title string)
	DraftKey() string
	SetDraftKey(key string)
	CreatingTopic() bool
	Tags() []string

	// Save persists the current draft through the host's network path.
	Save(ctx context.Context) error
	// CancelPendingSave drops an autosave the host has already scheduled.
	CancelPendingSave()
}

// OpenOptions are the initial parameters for a new editor session.
type OpenOptions struct {
	Action     string
	DraftKey   string
	CategoryID int // zero when no category is selected
	Tags       []string
	Title      string
}

// Composer opens and closes editor sessions.
type Composer interface {
	Open(ctx context.Context, opts OpenOptions) error
	Close(ctx context.Context) error
	// Current returns the open session, or nil when the editor is closed.
	Current() Session
	// Ready reports whether the composer and its dependencies are usable.
	Ready() bool
}

// Category is a directory entry for a category.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// User is the signed-in identity.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Directory resolves categories and the current user.
type Directory interface {
	Categories(ctx context.Context) ([]Category, error)
	// CurrentUser returns nil without error for anonymous visitors.
	CurrentUser(ctx context.Context) (*User, error)
}

// SearchQuery narrows a topic search to a tag set and, optionally, an author.
type SearchQuery struct {
	Tags   []string
	Author string
}

// Topic is one search hit.
type Topic struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// Searcher is the full-text search endpoint.
type Searcher interface {
	SearchTopics(ctx context.Context, q SearchQuery) ([]Topic, error)
}

// DraftStore deletes persisted drafts by key.
type DraftStore interface {
	DeleteDraft(ctx context.Context, key string) error
}

// FrameSender delivers outbound messages to the embedded frame.
type FrameSender interface {
	Send(ctx context.Context, msg any) error
}

// EditorEvent is a composer lifecycle event.
type EditorEvent string

const (
	EventOpened    EditorEvent = "opened"
	EventClosed    EditorEvent = "closed"
	EventWillClose EditorEvent = "will-close"
	EventCancelled EditorEvent = "cancelled"
	EventPosted    EditorEvent = "posted"
)

// ParseEditorEvent maps a wire name, optionally prefixed "composer:", to an event.
func ParseEditorEvent(name string) (EditorEvent, bool) {
	const prefix = "composer:"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	switch ev := EditorEvent(name); ev {
	case EventOpened, EventClosed, EventWillClose, EventCancelled, EventPosted:
		return ev, true
	}
	return "", false
}
