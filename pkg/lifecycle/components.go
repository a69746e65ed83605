package lifecycle

import (
	"composertemplates/pkg/apply"
	"composertemplates/pkg/autoopen"
	"composertemplates/pkg/clock"
	"composertemplates/pkg/config"
	"composertemplates/pkg/existence"
	"composertemplates/pkg/metrics"
	"composertemplates/pkg/session"
	"composertemplates/pkg/templates"
	"composertemplates/pkg/trigger"
)

// Components are the per-page parts built from one settings document.
type Components struct {
	Settings *config.Settings
	Clock    clock.Clock
	Metrics  metrics.Recorder
	Store    *session.Store
	Registry *templates.Registry
	Resolver *trigger.Resolver
	Cache    *existence.Cache
	Engine   *apply.Engine
	Decider  *autoopen.Decider
}

// NewComponents wires the components the way a Coordinator uses them. Unlike
// New it accepts a nil Composer, which suits dry runs: the decider then never
// sees an open editor. Nil Settings, Clock, Metrics and Searcher get defaults.
func NewComponents(deps Deps) *Components {
	settings := deps.Settings
	if settings == nil {
		settings = config.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Nop()
	}
	searcher := deps.Searcher
	if searcher == nil {
		searcher = noSearch{}
	}

	store := session.NewStore()
	registry := templates.NewRegistry(settings.Templates)
	resolver := trigger.NewResolver(registry, store, clk, trigger.Options{
		ParamKey:       settings.ParamKey,
		TrustedOrigin:  settings.TrustedFrameOrigin,
		CoalesceWindow: settings.CoalesceWindow.Std(),
	})
	cache := existence.NewCache(searcher, clk, settings.CacheTTL.Std(), recorder)
	engine := apply.NewEngine(registry, store, deps.Drafts, clk, recorder, apply.Options{
		DefaultDraftKey: settings.DefaultDraftKey,
		GraceDelay:      settings.AutosaveGrace.Std(),
		SaveAfterApply:  settings.ShouldSaveAfterApply(),
		GuardInterval:   settings.DraftGuardInterval.Std(),
		GuardMaxPolls:   settings.DraftGuardMaxPolls,
		GuardTarget:     settings.DraftGuardTarget(),
	})
	decider := autoopen.NewDecider(resolver, registry, cache, store, deps.Composer, deps.Directory, recorder, autoopen.Options{
		Enabled:          settings.IsAutoOpenEnabled(),
		FallbackCategory: settings.FallbackCategory,
		DefaultDraftKey:  settings.DefaultDraftKey,
	})

	return &Components{
		Settings: settings,
		Clock:    clk,
		Metrics:  recorder,
		Store:    store,
		Registry: registry,
		Resolver: resolver,
		Cache:    cache,
		Engine:   engine,
		Decider:  decider,
	}
}
