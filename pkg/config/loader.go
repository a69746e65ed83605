package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"composertemplates/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var durationType = reflect.TypeOf(Duration(0))

// Load reads and parses the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(data)
}

// Parse parses a settings document, applies env overrides and defaults, and validates it.
func Parse(data []byte) (*Settings, error) {
	// Replace ${VAR} placeholders, leaving unknown ones untouched.
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var settings Settings
	if err := yaml.Unmarshal([]byte(expanded), &settings); err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings YAML: %v", ErrInvalidSettings, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings YAML: %v", ErrInvalidSettings, err)
	}
	settings.Templates = parseSlots(raw)

	applyEnvOverrides(&settings)
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	if settings.Debug {
		logx.SetDebug(true)
	}
	return &settings, nil
}

// parseSlots extracts template_<n>_* keys. A slot with no keys at all is skipped.
func parseSlots(raw map[string]any) []TemplateSlot {
	slots := make([]TemplateSlot, 0, MaxTemplateSlots)
	for i := 1; i <= MaxTemplateSlots; i++ {
		prefix := fmt.Sprintf("template_%d_", i)
		field := func(name string) (any, bool) {
			v, ok := raw[prefix+name]
			return v, ok
		}

		present := false
		for key := range raw {
			if strings.HasPrefix(key, prefix) {
				present = true
				break
			}
		}
		if !present {
			continue
		}

		slot := TemplateSlot{Index: i}
		if v, ok := field("enabled"); ok {
			slot.Enabled = asBool(v)
		}
		if v, ok := field("id"); ok {
			slot.ID = asString(v)
		}
		if v, ok := field("title"); ok {
			slot.Title = asString(v)
		}
		if v, ok := field("text"); ok {
			slot.Text = asString(v)
		}
		if v, ok := field("use_for"); ok {
			slot.UseFor = asString(v)
		}
		if v, ok := field("mode"); ok {
			slot.Mode = asString(v)
		}
		if v, ok := field("url_match"); ok {
			slot.URLMatch = asString(v)
		}
		slots = append(slots, slot)
	}
	return slots
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	default:
		return false
	}
}

func applyEnvOverrides(settings *Settings) {
	v := reflect.ValueOf(settings).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := EnvPrefix + strings.ToUpper(strings.Split(tag, ",")[0])
		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(v.Field(i), envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := parseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Bool:
		if b, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.Atoi(envValue); err == nil {
			field.SetInt(int64(n))
		}
	case reflect.Ptr:
		if field.Type().Elem().Kind() == reflect.Bool {
			if b, err := strconv.ParseBool(envValue); err == nil {
				field.Set(reflect.ValueOf(boolPtr(b)))
			}
		}
	}
}

func applyDefaults(s *Settings) {
	if s.Enabled == nil {
		s.Enabled = boolPtr(true)
	}
	if s.AutoOpen == nil {
		s.AutoOpen = boolPtr(true)
	}
	if s.SaveAfterApply == nil {
		s.SaveAfterApply = boolPtr(true)
	}
	if s.ParamKey == "" {
		s.ParamKey = DefaultParamKey
	}
	if s.FallbackCategory == "" {
		s.FallbackCategory = DefaultFallbackCategory
	}
	if s.DefaultDraftKey == "" {
		s.DefaultDraftKey = DefaultDraftKey
	}
	if s.DraftGuardReset == "" {
		s.DraftGuardReset = DraftResetClear
	}
	if s.AutoCloseScope == "" {
		s.AutoCloseScope = AutoCloseNewTopic
	}

	setDuration(&s.CoalesceWindow, DefaultCoalesceWindow)
	setDuration(&s.CacheTTL, DefaultCacheTTL)
	setDuration(&s.NavigationDebounce, DefaultNavigationDebounce)
	setDuration(&s.OpenedDelay, DefaultOpenedDelay)
	setDuration(&s.AutosaveGrace, DefaultAutosaveGrace)
	setDuration(&s.DraftGuardInterval, DefaultDraftGuardInterval)
	setDuration(&s.ReadyPollInterval, DefaultReadyPollInterval)

	if s.DraftGuardMaxPolls == 0 {
		s.DraftGuardMaxPolls = DefaultDraftGuardMaxPolls
	}
	if s.ReadyMaxAttempts == 0 {
		s.ReadyMaxAttempts = DefaultReadyMaxAttempts
	}

	// Bounded by contract; larger values are clamped rather than rejected.
	if s.AutosaveGrace.Std() > MaxAutosaveGrace {
		logx.Warnf("autosave_grace %s exceeds %s, clamping", s.AutosaveGrace.Std(), MaxAutosaveGrace)
		s.AutosaveGrace = Duration(MaxAutosaveGrace)
	}
	if s.DraftGuardInterval.Std() > MaxDraftGuardInterval {
		logx.Warnf("draft_guard_interval %s exceeds %s, clamping", s.DraftGuardInterval.Std(), MaxDraftGuardInterval)
		s.DraftGuardInterval = Duration(MaxDraftGuardInterval)
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func validateSettings(s *Settings) error {
	durations := map[string]Duration{
		"coalesce_window":      s.CoalesceWindow,
		"cache_ttl":            s.CacheTTL,
		"navigation_debounce":  s.NavigationDebounce,
		"opened_delay":         s.OpenedDelay,
		"autosave_grace":       s.AutosaveGrace,
		"draft_guard_interval": s.DraftGuardInterval,
		"ready_poll_interval":  s.ReadyPollInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d.Std())
		}
	}
	if s.DraftGuardMaxPolls < 0 {
		return fmt.Errorf("draft_guard_max_polls must not be negative, got %d", s.DraftGuardMaxPolls)
	}
	if s.ReadyMaxAttempts < 0 {
		return fmt.Errorf("ready_max_attempts must not be negative, got %d", s.ReadyMaxAttempts)
	}

	switch s.DraftGuardReset {
	case DraftResetDefault, DraftResetClear:
	default:
		return fmt.Errorf("draft_guard_reset must be %q or %q, got %q", DraftResetDefault, DraftResetClear, s.DraftGuardReset)
	}

	switch s.AutoCloseScope {
	case AutoCloseNewTopic, AutoCloseAll:
	default:
		return fmt.Errorf("auto_close_scope must be %q or %q, got %q", AutoCloseNewTopic, AutoCloseAll, s.AutoCloseScope)
	}

	if strings.ContainsAny(s.ParamKey, "&=?# ") {
		return fmt.Errorf("template_param_key %q is not a valid query parameter name", s.ParamKey)
	}
	return nil
}
