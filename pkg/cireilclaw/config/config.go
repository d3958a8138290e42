package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// ---------- engine ----------

// EngineConfig selects the chat completion endpoint and model for one
// agent, with optional per-channel overrides.
type EngineConfig struct {
	// APIBase is the OpenAI-compatible endpoint base URL,
	// e.g. "https://openrouter.ai/api/v1".
	APIBase string `toml:"apiBase"`

	// APIKey is the bearer token. Optional in the file; when empty it
	// is resolved from the OS keyring or CIREILCLAW_API_KEY.
	APIKey string `toml:"apiKey"`

	// Model is the model identifier sent to the provider.
	Model string `toml:"model"`

	// Channel holds partial overrides keyed by channel kind, then by
	// sub-key (Discord guild id, Matrix room id).
	Channel map[string]map[string]EngineOverride `toml:"channel"`
}

// EngineOverride is a partial EngineConfig applied for one channel
// sub-key. Empty fields inherit the agent-level value.
type EngineOverride struct {
	APIBase string `toml:"apiBase"`
	APIKey  string `toml:"apiKey"`
	Model   string `toml:"model"`
}

// Resolve returns the effective apiBase, apiKey, and model for a call
// on the given channel kind and sub-key.
func (c *EngineConfig) Resolve(channel, subKey string) (apiBase, apiKey, model string) {
	apiBase, apiKey, model = c.APIBase, c.APIKey, c.Model
	if channel == "" || subKey == "" {
		return
	}
	byKey, ok := c.Channel[channel]
	if !ok {
		return
	}
	ov, ok := byKey[subKey]
	if !ok {
		return
	}
	if ov.APIBase != "" {
		apiBase = ov.APIBase
	}
	if ov.APIKey != "" {
		apiKey = ov.APIKey
	}
	if ov.Model != "" {
		model = ov.Model
	}
	return
}

// LoadEngineConfig reads and validates an agent's engine.toml.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	var cfg EngineConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveEngineConfig writes an engine.toml. Used by the init wizard.
func SaveEngineConfig(path string, cfg *EngineConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing engine config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding engine config: %w", err)
	}
	return nil
}

func (c *EngineConfig) validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("apiBase is required")
	}
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("apiBase %q is not a valid URL", c.APIBase)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	for kind := range c.Channel {
		if kind != "discord" && kind != "matrix" {
			return fmt.Errorf("channel override for unknown channel kind %q", kind)
		}
	}
	return nil
}

// ---------- tools ----------

// ToolSetting configures one tool. A bare boolean in tools.toml maps
// to just Enabled; a table may add tool-specific fields.
type ToolSetting struct {
	Enabled         bool     `toml:"enabled"`
	AllowedBinaries []string `toml:"allowedBinaries"`
	TimeoutMs       int      `toml:"timeoutMs"`
}

// ToolsConfig holds the per-tool settings table. Tools absent from the
// file are enabled with defaults.
type ToolsConfig struct {
	Tools map[string]ToolSetting
}

// Setting returns the configuration for a tool name and whether the
// file mentioned it at all.
func (c *ToolsConfig) Setting(name string) (ToolSetting, bool) {
	if c == nil || c.Tools == nil {
		return ToolSetting{Enabled: true}, false
	}
	s, ok := c.Tools[name]
	if !ok {
		return ToolSetting{Enabled: true}, false
	}
	return s, true
}

// Enabled reports whether a tool should be registered.
func (c *ToolsConfig) Enabled(name string) bool {
	s, _ := c.Setting(name)
	return s.Enabled
}

// LoadToolsConfig reads tools.toml. Each top-level key is either a
// boolean or a table; a missing file yields the all-defaults config.
func LoadToolsConfig(path string) (*ToolsConfig, error) {
	raw := map[string]toml.Primitive{}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if os.IsNotExist(err) {
			return &ToolsConfig{}, nil
		}
		return nil, fmt.Errorf("reading tools config: %w", err)
	}

	cfg := &ToolsConfig{Tools: make(map[string]ToolSetting, len(raw))}
	for name, prim := range raw {
		var enabled bool
		if err := md.PrimitiveDecode(prim, &enabled); err == nil {
			cfg.Tools[name] = ToolSetting{Enabled: enabled}
			continue
		}
		// Table form. "enabled" defaults to true when omitted.
		setting := ToolSetting{Enabled: true}
		var probe struct {
			Enabled *bool `toml:"enabled"`
		}
		if err := md.PrimitiveDecode(prim, &probe); err == nil && probe.Enabled != nil {
			setting.Enabled = *probe.Enabled
		}
		var rest struct {
			AllowedBinaries []string `toml:"allowedBinaries"`
			TimeoutMs       int      `toml:"timeoutMs"`
		}
		if err := md.PrimitiveDecode(prim, &rest); err != nil {
			return nil, fmt.Errorf("tools config %s: entry %q: %w", path, name, err)
		}
		setting.AllowedBinaries = rest.AllowedBinaries
		setting.TimeoutMs = rest.TimeoutMs
		cfg.Tools[name] = setting
	}
	return cfg, nil
}

// ---------- heartbeat ----------

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ActiveHours limits heartbeat firing to a same-day wall-clock window.
type ActiveHours struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
	TZ    string `toml:"tz"`
}

// Location returns the configured timezone, defaulting to Local.
func (a *ActiveHours) Location() *time.Location {
	if a == nil || a.TZ == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.TZ)
	if err != nil {
		return time.Local
	}
	return loc
}

// Contains reports whether t falls inside [Start, End] in the window's
// timezone. Comparison is lexicographic on the "15:04" rendering.
func (a *ActiveHours) Contains(t time.Time) bool {
	if a == nil {
		return true
	}
	now := t.In(a.Location()).Format("15:04")
	return now >= a.Start && now <= a.End
}

// HeartbeatVisibility controls which heartbeat outcomes reach the chat
// channel.
type HeartbeatVisibility struct {
	ShowAlerts   bool `toml:"showAlerts"`
	ShowOk       bool `toml:"showOk"`
	UseIndicator bool `toml:"useIndicator"`
}

// HeartbeatConfig drives the fixed-interval scheduler entry.
type HeartbeatConfig struct {
	Enabled     bool                `toml:"enabled"`
	IntervalSec int                 `toml:"intervalSec"`
	ActiveHours *ActiveHours        `toml:"activeHours"`
	Target      string              `toml:"target"`
	Model       string              `toml:"model"`
	Visibility  HeartbeatVisibility `toml:"visibility"`
}

// LoadHeartbeatConfig reads heartbeat.toml. A missing file yields a
// disabled heartbeat.
func LoadHeartbeatConfig(path string) (*HeartbeatConfig, error) {
	cfg := &HeartbeatConfig{Target: "last", Visibility: HeartbeatVisibility{ShowAlerts: true}}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return &HeartbeatConfig{}, nil
		}
		return nil, fmt.Errorf("reading heartbeat config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("heartbeat config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *HeartbeatConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.IntervalSec <= 0 {
		return fmt.Errorf("intervalSec must be positive")
	}
	if c.Target == "" {
		c.Target = "last"
	}
	if a := c.ActiveHours; a != nil {
		if !hhmmPattern.MatchString(a.Start) || !hhmmPattern.MatchString(a.End) {
			return fmt.Errorf("activeHours must use HH:MM, got start=%q end=%q", a.Start, a.End)
		}
		// Lexicographic comparison cannot express windows that wrap
		// midnight, so reject them here instead of silently never firing.
		if a.Start >= a.End {
			return fmt.Errorf("activeHours start %q must be before end %q (windows may not wrap midnight)", a.Start, a.End)
		}
		if a.TZ != "" {
			if _, err := time.LoadLocation(a.TZ); err != nil {
				return fmt.Errorf("activeHours tz: %w", err)
			}
		}
	}
	return nil
}

// ---------- cron ----------

// ScheduleSpec selects exactly one trigger variant for a cron job.
type ScheduleSpec struct {
	// Every fires repeatedly at a fixed interval in seconds.
	Every int64 `toml:"every"`

	// Cron fires per a standard 5-field cron expression.
	Cron string `toml:"cron"`

	// At fires once at an absolute RFC 3339 instant.
	At string `toml:"at"`
}

// Kind returns "every", "cron", or "at".
func (s ScheduleSpec) Kind() string {
	switch {
	case s.Every > 0:
		return "every"
	case s.Cron != "":
		return "cron"
	default:
		return "at"
	}
}

// AtTime parses the one-shot instant.
func (s ScheduleSpec) AtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, s.At)
}

func (s ScheduleSpec) validate() error {
	set := 0
	if s.Every > 0 {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if s.At != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("schedule must set exactly one of every/cron/at")
	}
	if s.At != "" {
		if _, err := s.AtTime(); err != nil {
			return fmt.Errorf("schedule at: %w", err)
		}
	}
	return nil
}

// CronJob is one scheduled prompt injection.
type CronJob struct {
	ID         string       `toml:"id"`
	Enabled    bool         `toml:"enabled"`
	Schedule   ScheduleSpec `toml:"schedule"`
	Execution  string       `toml:"execution"` // main | isolated
	Delivery   string       `toml:"delivery"`  // announce | webhook | none
	Target     string       `toml:"target"`
	Prompt     string       `toml:"prompt"`
	Model      string       `toml:"model"`
	WebhookURL string       `toml:"webhookUrl"`
}

// Validate checks one job independently so a malformed persisted job
// can be skipped without rejecting the whole file.
func (j *CronJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !slugPattern.MatchString(j.ID) {
		return fmt.Errorf("job id %q is not a slug", j.ID)
	}
	if err := j.Schedule.validate(); err != nil {
		return err
	}
	switch j.Execution {
	case "", "main", "isolated":
	default:
		return fmt.Errorf("execution %q must be main or isolated", j.Execution)
	}
	switch j.Delivery {
	case "", "announce", "webhook", "none":
	default:
		return fmt.Errorf("delivery %q must be announce, webhook, or none", j.Delivery)
	}
	if j.Delivery == "webhook" && j.WebhookURL == "" {
		return fmt.Errorf("delivery webhook requires webhookUrl")
	}
	if j.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// CronConfig is the cron.toml shape.
type CronConfig struct {
	Jobs []CronJob `toml:"jobs"`
}

// LoadCronConfig reads cron.toml. A missing file yields no jobs.
// The file itself must parse; individually invalid jobs are returned
// so the caller can log and skip them.
func LoadCronConfig(path string) (*CronConfig, []error, error) {
	var cfg CronConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &CronConfig{}, nil, nil
		}
		return nil, nil, fmt.Errorf("reading cron config: %w", err)
	}
	var bad []error
	valid := cfg.Jobs[:0]
	for i := range cfg.Jobs {
		job := cfg.Jobs[i]
		if err := job.Validate(); err != nil {
			bad = append(bad, fmt.Errorf("job %q: %w", job.ID, err))
			continue
		}
		if job.Target == "" {
			job.Target = "last"
		}
		if job.Execution == "" {
			job.Execution = "main"
		}
		if job.Delivery == "" {
			job.Delivery = "announce"
		}
		valid = append(valid, job)
	}
	cfg.Jobs = valid
	return &cfg, bad, nil
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// ValidSlug reports whether s is a URL-safe lowercase slug.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// ---------- channels ----------

// DiscordConfig holds the Discord bot credentials for one agent.
type DiscordConfig struct {
	Token string `toml:"token"`
}

// LoadDiscordConfig reads channels/discord.toml; nil when absent.
func LoadDiscordConfig(path string) (*DiscordConfig, error) {
	var cfg DiscordConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading discord config: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord config %s: token is required", path)
	}
	return &cfg, nil
}

// MatrixConfig holds the Matrix account credentials for one agent.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"userId"`
	AccessToken string `toml:"accessToken"`
}

// LoadMatrixConfig reads channels/matrix.toml; nil when absent.
func LoadMatrixConfig(path string) (*MatrixConfig, error) {
	var cfg MatrixConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading matrix config: %w", err)
	}
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix config %s: homeserver, userId, and accessToken are required", path)
	}
	return &cfg, nil
}

// ---------- integrations ----------

// BraveConfig carries the Brave Search API key.
type BraveConfig struct {
	APIKey string `toml:"apiKey"`
}

// IntegrationsConfig is the global config/integrations.toml shape.
type IntegrationsConfig struct {
	Brave *BraveConfig `toml:"brave"`
}

// LoadIntegrationsConfig reads the global integrations file; a missing
// file yields an empty config.
func LoadIntegrationsConfig(path string) (*IntegrationsConfig, error) {
	var cfg IntegrationsConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &IntegrationsConfig{}, nil
		}
		return nil, fmt.Errorf("reading integrations config: %w", err)
	}
	return &cfg, nil
}

// BraveAPIKey returns the configured key or "".
func (c *IntegrationsConfig) BraveAPIKey() string {
	if c == nil || c.Brave == nil {
		return ""
	}
	return c.Brave.APIKey
}
