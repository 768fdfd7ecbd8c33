// Package config provides Viper-based configuration loading for the skirmish
// automation service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	// Enabled turns span export on. When false a no-op provider is used.
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the OTLP/HTTP collector URL, e.g. "http://localhost:4318".
	Endpoint string `mapstructure:"endpoint"`
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `mapstructure:"service_name"`
}

// AutomationConfig holds every window, budget, and interval used by the
// engagement pipeline and the condition synchronizer.
type AutomationConfig struct {
	AttackDedupWindow     time.Duration `mapstructure:"attack_dedup_window"`
	TargetDedupWindow     time.Duration `mapstructure:"target_dedup_window"`
	WoundDebounce         time.Duration `mapstructure:"wound_debounce"`
	EngagementListenerTTL time.Duration `mapstructure:"engagement_listener_ttl"`
	LinkPollInterval      time.Duration `mapstructure:"link_poll_interval"`
	LinkPollBudget        time.Duration `mapstructure:"link_poll_budget"`
	ResultPollInterval    time.Duration `mapstructure:"result_poll_interval"`
	ResultPollBudget      time.Duration `mapstructure:"result_poll_budget"`
	SettleInterval        time.Duration `mapstructure:"settle_interval"`
	SettleQuiet           time.Duration `mapstructure:"settle_quiet"`
	SettleWindow          time.Duration `mapstructure:"settle_window"`
	// DefeatedCondition is the condition id kept in step with the wound threshold.
	DefeatedCondition string `mapstructure:"defeated_condition"`
}

// ContentConfig locates the YAML and Lua content loaded at startup.
type ContentConfig struct {
	ConditionsDir string `mapstructure:"conditions_dir"`
	// ScriptsDir holds rule scripts; empty disables scripting.
	ScriptsDir string `mapstructure:"scripts_dir"`
	// SeverityTable is the optional wound severity table; empty means absent.
	SeverityTable string `mapstructure:"severity_table"`
	// Roster is the participant and scripted-attack file used by the CLI.
	Roster string `mapstructure:"roster"`
}

// SessionConfig holds settings for the in-process host session.
type SessionConfig struct {
	// Actor is the user id of this session. Participants owned by another
	// user are read-only here.
	Actor string `mapstructure:"actor"`
	// RulesTick is the delay between follow-on rule effects.
	RulesTick time.Duration `mapstructure:"rules_tick"`
	// ResolveDelay is how long the rules engine takes to compute an engagement.
	ResolveDelay time.Duration `mapstructure:"resolve_delay"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Automation AutomationConfig `mapstructure:"automation"`
	Content    ContentConfig    `mapstructure:"content"`
	Session    SessionConfig    `mapstructure:"session"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTelemetry(c.Telemetry); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAutomation(c.Automation); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateTelemetry(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if t.Endpoint == "" {
		errs = append(errs, "telemetry.endpoint must not be empty when telemetry is enabled")
	}
	if t.ServiceName == "" {
		errs = append(errs, "telemetry.service_name must not be empty when telemetry is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAutomation(a AutomationConfig) error {
	var errs []string
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"attack_dedup_window", a.AttackDedupWindow},
		{"target_dedup_window", a.TargetDedupWindow},
		{"wound_debounce", a.WoundDebounce},
		{"engagement_listener_ttl", a.EngagementListenerTTL},
		{"link_poll_interval", a.LinkPollInterval},
		{"link_poll_budget", a.LinkPollBudget},
		{"result_poll_interval", a.ResultPollInterval},
		{"result_poll_budget", a.ResultPollBudget},
		{"settle_interval", a.SettleInterval},
		{"settle_quiet", a.SettleQuiet},
		{"settle_window", a.SettleWindow},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Sprintf("automation.%s must be > 0, got %s", p.name, p.d))
		}
	}
	if a.SettleQuiet < a.SettleInterval {
		errs = append(errs, "automation.settle_quiet must not be shorter than automation.settle_interval")
	}
	if a.SettleWindow < a.SettleQuiet {
		errs = append(errs, "automation.settle_window must not be shorter than automation.settle_quiet")
	}
	if a.LinkPollBudget < a.LinkPollInterval {
		errs = append(errs, "automation.link_poll_budget must not be shorter than automation.link_poll_interval")
	}
	if a.ResultPollBudget < a.ResultPollInterval {
		errs = append(errs, "automation.result_poll_budget must not be shorter than automation.result_poll_interval")
	}
	if a.DefeatedCondition == "" {
		errs = append(errs, "automation.defeated_condition must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	if s.Actor == "" {
		return errors.New("session.actor must not be empty")
	}
	if s.RulesTick < 0 {
		return fmt.Errorf("session.rules_tick must be >= 0, got %s", s.RulesTick)
	}
	if s.ResolveDelay < 0 {
		return fmt.Errorf("session.resolve_delay must be >= 0, got %s", s.ResolveDelay)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with SKIRMISH_ prefix
	v.SetEnvPrefix("SKIRMISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the built-in defaults alone.
//
// Postcondition: The returned Config passes Validate.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "skirmish")

	v.SetDefault("automation.attack_dedup_window", "700ms")
	v.SetDefault("automation.target_dedup_window", "300ms")
	v.SetDefault("automation.wound_debounce", "70ms")
	v.SetDefault("automation.engagement_listener_ttl", "8s")
	v.SetDefault("automation.link_poll_interval", "50ms")
	v.SetDefault("automation.link_poll_budget", "700ms")
	v.SetDefault("automation.result_poll_interval", "100ms")
	v.SetDefault("automation.result_poll_budget", "10s")
	v.SetDefault("automation.settle_interval", "80ms")
	v.SetDefault("automation.settle_quiet", "160ms")
	v.SetDefault("automation.settle_window", "600ms")
	v.SetDefault("automation.defeated_condition", "defeated")

	v.SetDefault("content.conditions_dir", "content/conditions")
	v.SetDefault("content.scripts_dir", "content/scripts")
	v.SetDefault("content.severity_table", "")
	v.SetDefault("content.roster", "content/roster.yaml")

	v.SetDefault("session.actor", "gm")
	v.SetDefault("session.rules_tick", "40ms")
	v.SetDefault("session.resolve_delay", "150ms")
}
