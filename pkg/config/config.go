// Package config loads the composer template settings document.
//
// The document mirrors the host platform's theme settings: a handful of global
// keys plus numbered template slots (template_1_id, template_1_text, ...).
// Settings are read once and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxTemplateSlots is the number of numbered template slots the settings expose.
const MaxTemplateSlots = 6

// EnvPrefix prefixes environment overrides, e.g. COMPOSER_TEMPLATES_DEBUG_MODE=true.
const EnvPrefix = "COMPOSER_TEMPLATES_"

// Draft guard reset policies.
const (
	DraftResetDefault = "default" // force the draft key back to DefaultDraftKey
	DraftResetClear   = "clear"   // force the draft key to empty
)

// Auto-close scopes for sessions left behind by navigation.
const (
	AutoCloseNewTopic = "new_topic"
	AutoCloseAll      = "all"
)

// Defaults.
const (
	DefaultParamKey         = "composer_template"
	DefaultFallbackCategory = "hidden"
	DefaultDraftKey         = "new_topic"

	DefaultCoalesceWindow     = 2 * time.Second
	DefaultCacheTTL           = 5 * time.Second
	DefaultNavigationDebounce = 100 * time.Millisecond
	DefaultOpenedDelay        = 200 * time.Millisecond
	DefaultAutosaveGrace      = time.Second
	DefaultDraftGuardInterval = 50 * time.Millisecond
	DefaultDraftGuardMaxPolls = 1200
	DefaultReadyPollInterval  = 50 * time.Millisecond
	DefaultReadyMaxAttempts   = 20

	// Upper bounds the timings are clamped to.
	MaxAutosaveGrace      = time.Second
	MaxDraftGuardInterval = 50 * time.Millisecond
)

// ErrInvalidSettings marks a settings document that cannot be used at all.
var ErrInvalidSettings = errors.New("invalid settings")

// Duration accepts "250ms"/"2s" strings or a bare number of milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	return d, nil
}

// TemplateSlot is one numbered template slot exactly as configured.
// Values are not validated here; the registry drops malformed slots.
type TemplateSlot struct {
	Index    int
	Enabled  bool
	ID       string
	Title    string
	Text     string
	UseFor   string
	Mode     string
	URLMatch string
}

// Settings is the parsed settings document.
type Settings struct {
	Enabled  *bool `yaml:"enable_url_composer_templates"`
	AutoOpen *bool `yaml:"enable_auto_open_composer"`
	Debug    bool  `yaml:"debug_mode"`

	ParamKey           string `yaml:"template_param_key"`
	TrustedFrameOrigin string `yaml:"trusted_frame_origin"`
	FallbackCategory   string `yaml:"fallback_category"`
	DefaultDraftKey    string `yaml:"default_draft_key"`
	DraftGuardReset    string `yaml:"draft_guard_reset"`
	AutoCloseScope     string `yaml:"auto_close_scope"`
	SaveAfterApply     *bool  `yaml:"save_after_apply"`

	CoalesceWindow     Duration `yaml:"coalesce_window"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	NavigationDebounce Duration `yaml:"navigation_debounce"`
	OpenedDelay        Duration `yaml:"opened_delay"`
	AutosaveGrace      Duration `yaml:"autosave_grace"`
	DraftGuardInterval Duration `yaml:"draft_guard_interval"`
	DraftGuardMaxPolls int      `yaml:"draft_guard_max_polls"`
	ReadyPollInterval  Duration `yaml:"ready_poll_interval"`
	ReadyMaxAttempts   int      `yaml:"ready_max_attempts"`

	Templates []TemplateSlot `yaml:"-"`
}

// IsEnabled reports the master switch.
func (s *Settings) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// IsAutoOpenEnabled reports whether the auto-open decider may run.
func (s *Settings) IsAutoOpenEnabled() bool {
	return s.IsEnabled() && (s.AutoOpen == nil || *s.AutoOpen)
}

// ShouldSaveAfterApply reports whether one explicit save follows the grace delay.
func (s *Settings) ShouldSaveAfterApply() bool { return s.SaveAfterApply == nil || *s.SaveAfterApply }

// DraftGuardTarget is the value the draft guard forces a resurrected draft key to.
func (s *Settings) DraftGuardTarget() string {
	if s.DraftGuardReset == DraftResetDefault {
		return s.DefaultDraftKey
	}
	return ""
}

// Default returns settings with every default applied and no templates.
func Default() *Settings {
	s := &Settings{}
	applyDefaults(s)
	return s
}

func boolPtr(b bool) *bool { return &b }
