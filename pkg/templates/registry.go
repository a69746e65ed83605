// Package templates holds the configured composer templates and resolves them by id.
package templates

import (
	"errors"
	"fmt"
	"strings"

	"composertemplates/pkg/config"
	"composertemplates/pkg/logx"
)

// UseFor selects which kind of editor session a template targets.
type UseFor string

const (
	UseForFirstPost  UseFor = "first_post"
	UseForAllReplies UseFor = "all_replies"
	UseForBoth       UseFor = "both"
)

// Mode decides when the editor is auto-opened for a template.
type Mode string

const (
	ModeAlways           Mode = "always"
	ModeIfNoTopics       Mode = "ifNoTopics"
	ModeIfUserHasNoTopic Mode = "ifUserHasNoTopic"
)

// DefaultMode applies to slots that leave the mode unset.
const DefaultMode = ModeIfNoTopics

// ErrNotFound is returned for ids that name no enabled template.
var ErrNotFound = errors.New("template not found")

// Template is an immutable template definition.
type Template struct {
	ID       string
	Title    string
	Text     string
	UseFor   UseFor
	Mode     Mode
	URLMatch string
}

// AppliesTo reports whether the template targets a session that is (or is not)
// creating a new thread.
func (t Template) AppliesTo(creatingTopic bool) bool {
	switch t.UseFor {
	case UseForBoth:
		return true
	case UseForFirstPost:
		return creatingTopic
	case UseForAllReplies:
		return !creatingTopic
	default:
		return false
	}
}

// Registry is a read-only lookup over the enabled templates, in slot order.
type Registry struct {
	templates []Template
}

// NewRegistry builds a registry from settings slots. Disabled slots are
// skipped; malformed slots are dropped and logged at debug level.
func NewRegistry(slots []config.TemplateSlot) *Registry {
	logger := logx.NewLogger("templates")
	r := &Registry{templates: make([]Template, 0, len(slots))}
	seen := make(map[string]bool, len(slots))

	for i := range slots {
		slot := &slots[i]
		if !slot.Enabled {
			continue
		}
		tmpl, err := fromSlot(slot)
		if err != nil {
			logger.Debug("Dropping template slot %d: %v", slot.Index, err)
			continue
		}
		if seen[tmpl.ID] {
			logger.Debug("Dropping template slot %d: duplicate id %q", slot.Index, tmpl.ID)
			continue
		}
		seen[tmpl.ID] = true
		r.templates = append(r.templates, tmpl)
	}
	return r
}

func fromSlot(slot *config.TemplateSlot) (Template, error) {
	id := strings.TrimSpace(slot.ID)
	if id == "" {
		return Template{}, fmt.Errorf("missing id")
	}
	if strings.TrimSpace(slot.Text) == "" {
		return Template{}, fmt.Errorf("template %q has no text", id)
	}

	useFor := UseFor(strings.TrimSpace(slot.UseFor))
	switch useFor {
	case "":
		useFor = UseForBoth
	case UseForFirstPost, UseForAllReplies, UseForBoth:
	default:
		return Template{}, fmt.Errorf("template %q has unknown use_for %q", id, slot.UseFor)
	}

	mode := Mode(strings.TrimSpace(slot.Mode))
	switch mode {
	case "":
		mode = DefaultMode
	case ModeAlways, ModeIfNoTopics, ModeIfUserHasNoTopic:
	default:
		return Template{}, fmt.Errorf("template %q has unknown mode %q", id, slot.Mode)
	}

	return Template{
		ID:       id,
		Title:    slot.Title,
		Text:     slot.Text,
		UseFor:   useFor,
		Mode:     mode,
		URLMatch: strings.TrimSpace(slot.URLMatch),
	}, nil
}

// Resolve returns the enabled template with the given id.
func (r *Registry) Resolve(id string) (Template, error) {
	if id == "" {
		return Template{}, ErrNotFound
	}
	for i := range r.templates {
		if r.templates[i].ID == id {
			return r.templates[i], nil
		}
	}
	return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Enabled returns a copy of the enabled templates in slot order.
func (r *Registry) Enabled() []Template {
	return append([]Template(nil), r.templates...)
}

// MatchURL returns the first template, in slot order, whose url match is a
// substring of target. Slot order is the only tie-break.
func (r *Registry) MatchURL(target string) (Template, bool) {
	for i := range r.templates {
		if m := r.templates[i].URLMatch; m != "" && strings.Contains(target, m) {
			return r.templates[i], true
		}
	}
	return Template{}, false
}

// Len returns the number of enabled templates.
func (r *Registry) Len() int { return len(r.templates) }
