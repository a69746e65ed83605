// Package autoopen decides, once per navigation, whether the editor should be
// opened for the active template and with which initial parameters.
package autoopen

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"composertemplates/pkg/existence"
	"composertemplates/pkg/host"
	"composertemplates/pkg/logx"
	"composertemplates/pkg/metrics"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
	"composertemplates/pkg/trigger"
)

// Reason explains a decision.
type Reason string

const (
	ReasonDisabled       Reason = "disabled"
	ReasonAlreadyChecked Reason = "already_checked"
	ReasonEditorOpen     Reason = "editor_open"
	ReasonNoTemplate     Reason = "no_template"
	ReasonURLMismatch    Reason = "url_mismatch"
	ReasonExists         Reason = "exists"
	ReasonAlways         Reason = "always"
	ReasonNoTopics       Reason = "no_topics"
	ReasonUserHasNoTopic Reason = "user_has_no_topic"
)

// Decision is the outcome of Decide. Options is only populated when Open is set.
type Decision struct {
	Open       bool
	Reason     Reason
	TemplateID string
	Options    host.OpenOptions
}

// Options configures a Decider.
type Options struct {
	Enabled          bool
	FallbackCategory string
	DefaultDraftKey  string
}

// Decider evaluates the auto-open rules.
type Decider struct {
	resolver  *trigger.Resolver
	registry  *templates.Registry
	cache     *existence.Cache
	store     *session.Store
	composer  host.Composer
	directory host.Directory
	metrics   metrics.Recorder
	opts      Options
	logger    *logx.Logger
}

// NewDecider creates a decider. directory may be nil; categories then stay
// unset and identity-scoped checks assume a prior submission exists.
func NewDecider(
	resolver *trigger.Resolver,
	registry *templates.Registry,
	cache *existence.Cache,
	store *session.Store,
	composer host.Composer,
	directory host.Directory,
	recorder metrics.Recorder,
	opts Options,
) *Decider {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Decider{
		resolver:  resolver,
		registry:  registry,
		cache:     cache,
		store:     store,
		composer:  composer,
		directory: directory,
		metrics:   recorder,
		opts:      opts,
		logger:    logx.NewLogger("autoopen"),
	}
}

// Decide evaluates u. It claims the per-navigation flag, so only the first
// call after Reset can answer Open.
func (d *Decider) Decide(ctx context.Context, u *url.URL) Decision {
	dec := d.decide(ctx, u)
	d.metrics.IncAutoOpen(dec.Open, string(dec.Reason))
	if dec.Open {
		d.logger.Info("Opening editor for template %s (%s)", dec.TemplateID, dec.Reason)
	} else {
		d.logger.Debug("Not opening editor: %s", dec.Reason)
	}
	return dec
}

// Reset re-arms the per-navigation flag.
func (d *Decider) Reset() {
	d.store.ResetAutoOpen()
}

func (d *Decider) decide(ctx context.Context, u *url.URL) Decision {
	if !d.opts.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	if !d.store.ClaimAutoOpen() {
		return Decision{Reason: ReasonAlreadyChecked}
	}
	if d.composer != nil && d.composer.Current() != nil {
		return Decision{Reason: ReasonEditorOpen}
	}

	id := d.resolver.ActiveTemplateID(u)
	if id == "" {
		return Decision{Reason: ReasonNoTemplate}
	}
	tmpl, err := d.registry.Resolve(id)
	if err != nil {
		d.logger.Debug("Template not found or not enabled: %v", err)
		return Decision{Reason: ReasonNoTemplate, TemplateID: id}
	}

	if tmpl.URLMatch != "" && !strings.Contains(pathAndQuery(u), tmpl.URLMatch) {
		return Decision{Reason: ReasonURLMismatch, TemplateID: id}
	}

	tags := trigger.TagsFromURL(u)
	reason, open := d.evaluateMode(ctx, tmpl, tags, u)
	if !open {
		return Decision{Reason: reason, TemplateID: id}
	}

	opts := host.OpenOptions{
		Action:     host.ActionCreateTopic,
		DraftKey:   d.opts.DefaultDraftKey,
		CategoryID: d.resolveCategory(ctx, u),
		Title:      tmpl.Title,
	}
	if len(tags) > 0 {
		opts.Tags = tags
	}
	return Decision{Open: true, Reason: reason, TemplateID: id, Options: opts}
}

func (d *Decider) evaluateMode(ctx context.Context, tmpl templates.Template, tags []string, u *url.URL) (Reason, bool) {
	switch tmpl.Mode {
	case templates.ModeAlways:
		return ReasonAlways, true

	case templates.ModeIfNoTopics:
		if d.priorSubmissionHinted() || trigger.HasTopicsHint(u) {
			return ReasonExists, false
		}
		if d.cache.Exists(ctx, existence.ScopeAny, tags, "") {
			return ReasonExists, false
		}
		return ReasonNoTopics, true

	case templates.ModeIfUserHasNoTopic:
		if d.priorSubmissionHinted() {
			return ReasonExists, false
		}
		if d.cache.Exists(ctx, existence.ScopeUser, tags, d.currentUsername(ctx)) {
			return ReasonExists, false
		}
		return ReasonUserHasNoTopic, true
	}
	return ReasonNoTemplate, false
}

// priorSubmissionHinted reports a frame trigger that declared a prior submission.
func (d *Decider) priorSubmissionHinted() bool {
	p, ok := d.store.Pending()
	return ok && p.HasPriorSubmission != nil && *p.HasPriorSubmission
}

func (d *Decider) currentUsername(ctx context.Context) string {
	if d.directory == nil {
		return ""
	}
	user, err := d.directory.CurrentUser(ctx)
	if err != nil {
		d.logger.Warn("Failed to look up current user: %v", err)
		return ""
	}
	if user == nil {
		return ""
	}
	return user.Username
}

// resolveCategory matches the category parameter against slugs and ids, or
// the fallback category by case-insensitive name. Zero means no category.
func (d *Decider) resolveCategory(ctx context.Context, u *url.URL) int {
	if d.directory == nil {
		return 0
	}
	categories, err := d.directory.Categories(ctx)
	if err != nil {
		d.logger.Warn("Failed to load categories: %v", err)
		return 0
	}

	if param := trigger.CategoryParam(u); param != "" {
		id, convErr := strconv.Atoi(param)
		for _, c := range categories {
			if c.Slug == param || (convErr == nil && c.ID == id) {
				return c.ID
			}
		}
		d.logger.Debug("No category matches %q", param)
		return 0
	}

	if d.opts.FallbackCategory == "" {
		return 0
	}
	for _, c := range categories {
		if strings.EqualFold(c.Name, d.opts.FallbackCategory) {
			return c.ID
		}
	}
	return 0
}

func pathAndQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}
