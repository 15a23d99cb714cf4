// Package config handles loading, validating, and hot-reloading the
// dev-proxy configuration (design doc Section A.3; spec Section 6).
//
// Grounded on the teacher's config package (internal/config/config.go)
// for the Load/validate/applyDefaults shape, swapping YAML for JSON
// since the spec pins the wire format to JSON — gopkg.in/yaml.v3 is kept
// for the CLI's human-readable debug/export output instead (see
// DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level dev-proxy configuration (spec Section 6).
type Config struct {
	Port                   int            `json:"port"`
	IPAddress              string         `json:"ipAddress"`
	URLsToWatch            []URLToWatch   `json:"urlsToWatch"`
	Plugins                []PluginConfig `json:"plugins"`
	LogLevel               string         `json:"logLevel"`
	NewVersionNotification bool           `json:"newVersionNotification"`
}

// URLToWatch is one watch-set entry (spec Section 3: "Url-to-watch
// entry" — a compiled pattern plus an exclude flag).
type URLToWatch struct {
	URL     string `json:"url"`
	Exclude bool   `json:"exclude,omitempty"`
}

// PluginConfig is one entry in the "plugins" array. Config is left as
// raw JSON and decoded by the plugin-specific schema named in spec
// Section 6 (RateLimitConfig, RandomErrorConfig, MockResponseConfig)
// once the plugin's name identifies which shape applies.
type PluginConfig struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// RateLimitConfig is the rate-limit plugin's recognized fields (spec
// Section 6).
// CostPerRequest, ResetTimeWindowSeconds and WarningThresholdPercent are
// *int so applyDefaults can tell "field omitted" from "explicitly set to
// 0" apart — json.Unmarshal leaves a pointer field nil when its key is
// absent but sets it to a pointer-to-zero when the key is present with
// value 0.
type RateLimitConfig struct {
	RateLimit               int    `json:"rateLimit"`
	CostPerRequest          *int   `json:"costPerRequest"`
	ResetTimeWindowSeconds  *int   `json:"resetTimeWindowSeconds"`
	WarningThresholdPercent *int   `json:"warningThresholdPercent"`
	HeaderLimit             string `json:"headerLimit"`
	HeaderRemaining         string `json:"headerRemaining"`
	HeaderReset             string `json:"headerReset"`
	HeaderRetryAfter        string `json:"headerRetryAfter"`
	ResetFormat             string `json:"resetFormat"`
	WhenLimitExceeded       string `json:"whenLimitExceeded"`
	CustomResponseFile      string `json:"customResponseFile,omitempty"`
}

func (c *RateLimitConfig) applyDefaults() {
	if c.CostPerRequest == nil {
		c.CostPerRequest = intPtr(2)
	}
	if c.ResetTimeWindowSeconds == nil {
		c.ResetTimeWindowSeconds = intPtr(60)
	}
	if c.WarningThresholdPercent == nil {
		c.WarningThresholdPercent = intPtr(80)
	}
	if c.ResetFormat == "" {
		c.ResetFormat = "SecondsLeft"
	}
	if c.WhenLimitExceeded == "" {
		c.WhenLimitExceeded = "Throttle"
	}
}

func intPtr(v int) *int { return &v }

// RandomErrorConfig is the random-error plugin's recognized fields (spec
// Section 6). Rate is a *int, not int: rate:0 is a legal, meaningful
// value ("never fail", spec Section 4.7's decision rule) and must be
// distinguishable from the field being omitted entirely.
type RandomErrorConfig struct {
	Rate                *int   `json:"rate"`
	RetryAfterInSeconds int    `json:"retryAfterInSeconds"`
	ErrorsFile          string `json:"errorsFile,omitempty"`
	AllowedErrors       []int  `json:"allowedErrors,omitempty"`
	ProviderAware       bool   `json:"providerAware,omitempty"`
}

func (c *RandomErrorConfig) applyDefaults() {
	if c.Rate == nil {
		c.Rate = intPtr(50)
	}
	if c.RetryAfterInSeconds == 0 {
		c.RetryAfterInSeconds = 5
	}
}

// MockResponseConfig is the mock-response plugin's recognized fields
// (spec Section 6).
type MockResponseConfig struct {
	MocksFile       string `json:"mocksFile"`
	BlockUnmocked   bool   `json:"blockUnmocked,omitempty"`
	BatchURLPattern string `json:"batchUrlPattern,omitempty"`
}

// LatencyConfig is the latency-injection plugin's recognized fields
// (spec Section 6).
type LatencyConfig struct {
	MinMs int `json:"minMs"`
	MaxMs int `json:"maxMs"`
}

// TokenRateLimitConfig is the LM-token rate-limit plugin's recognized
// fields (spec Section 6 / Section 4.10 scenario table).
type TokenRateLimitConfig struct {
	PromptTokenLimit       int    `json:"promptTokenLimit"`
	CompletionTokenLimit   int    `json:"completionTokenLimit"`
	ResetTimeWindowSeconds int    `json:"resetTimeWindowSeconds"`
	HeaderRetryAfter       string `json:"headerRetryAfter,omitempty"`
}

// Load reads and parses the JSON config file at path. A missing file is
// not an error — callers get defaults, matching the teacher's
// first-run-friendly behavior.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults returns a Config with its top-level fields set to their
// default values (spec Section 6).
func applyDefaults() *Config {
	return &Config{
		Port:      8000,
		IPAddress: "127.0.0.1",
		LogLevel:  "info",
	}
}

// validate checks the config for logical errors after parsing
// (ConfigInvalid, spec Section 7: "log + exit with non-zero code at
// startup").
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", cfg.Port)
	}
	if cfg.IPAddress == "" {
		return fmt.Errorf("ipAddress must not be empty")
	}

	seen := make(map[string]bool, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin entry missing a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("plugin %q declared more than once", p.Name)
		}
		seen[p.Name] = true
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q not recognized", cfg.LogLevel)
	}

	return nil
}

// DecodeRateLimit decodes a plugin entry's raw config as RateLimitConfig,
// applying its field defaults.
func DecodeRateLimit(raw json.RawMessage) (RateLimitConfig, error) {
	var c RateLimitConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decoding rate-limit plugin config: %w", err)
		}
	}
	c.applyDefaults()
	return c, nil
}

// DecodeRandomError decodes a plugin entry's raw config as
// RandomErrorConfig, applying its field defaults.
func DecodeRandomError(raw json.RawMessage) (RandomErrorConfig, error) {
	var c RandomErrorConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decoding random-error plugin config: %w", err)
		}
	}
	c.applyDefaults()
	return c, nil
}

// DecodeMockResponse decodes a plugin entry's raw config as
// MockResponseConfig.
func DecodeMockResponse(raw json.RawMessage) (MockResponseConfig, error) {
	var c MockResponseConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decoding mock-response plugin config: %w", err)
		}
	}
	return c, nil
}

// DecodeLatency decodes a plugin entry's raw config as LatencyConfig.
func DecodeLatency(raw json.RawMessage) (LatencyConfig, error) {
	var c LatencyConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decoding latency plugin config: %w", err)
		}
	}
	return c, nil
}

// DecodeTokenRateLimit decodes a plugin entry's raw config as
// TokenRateLimitConfig.
func DecodeTokenRateLimit(raw json.RawMessage) (TokenRateLimitConfig, error) {
	var c TokenRateLimitConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("decoding lm-token-rate-limit plugin config: %w", err)
		}
	}
	return c, nil
}

// pluginSummary is the YAML-friendly projection of a PluginConfig used
// by `devproxy plugins` — raw JSON sub-config is decoded into a generic
// map so it renders as nested YAML instead of a base64 blob.
type pluginSummary struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Config  any    `yaml:"config,omitempty"`
}

// DumpPluginsYAML renders the configured plugin list as human-readable
// YAML, for the `devproxy plugins` debug/export command (design doc
// Section B: gopkg.in/yaml.v3 repointed to a debug/export surface since
// the wire config format is JSON).
func (c *Config) DumpPluginsYAML() ([]byte, error) {
	summaries := make([]pluginSummary, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		s := pluginSummary{Name: p.Name, Enabled: p.Enabled}
		if len(p.Config) > 0 {
			var decoded any
			if err := json.Unmarshal(p.Config, &decoded); err != nil {
				return nil, fmt.Errorf("decoding config for plugin %q: %w", p.Name, err)
			}
			s.Config = decoded
		}
		summaries = append(summaries, s)
	}
	out, err := yaml.Marshal(summaries)
	if err != nil {
		return nil, fmt.Errorf("marshaling plugin summary: %w", err)
	}
	return out, nil
}
