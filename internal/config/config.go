// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/decoder"
	"firestige.xyz/rxe/internal/log"
)

// Config is the static configuration of the rxe tool.
// Maps to the `rxe:` root key in YAML.
type Config struct {
	Log     log.LoggerConfig `mapstructure:"log"`
	Decoder decoder.Config   `mapstructure:"decoder"`
	Filter  FilterConfig     `mapstructure:"filter"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Sinks   []SinkConfig     `mapstructure:"sinks"`
}

// FilterConfig selects the BPF prefilters run before decoding. QPNs and
// Opcodes, when set, restrict decoding to those queue pairs and opcodes.
type FilterConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	QPNs    []uint32 `mapstructure:"qpns"`
	Opcodes []uint8  `mapstructure:"opcodes"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// SinkConfig selects a sink by type; Options are decoded by the sink.
type SinkConfig struct {
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:"options"`
}

type configRoot struct {
	RXE Config `mapstructure:"rxe"`
}

// Load loads configuration from path. An empty path yields the defaults.
// Env vars use the RXE_ prefix (e.g., RXE_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "rxe.log.level" -> env "RXE_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.RXE

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rxe.log.level", "info")
	v.SetDefault("rxe.log.pattern", log.DefaultPattern)
	v.SetDefault("rxe.log.time", log.DefaultTime)
	v.SetDefault("rxe.log.console", true)
	v.SetDefault("rxe.log.caller", false)

	v.SetDefault("rxe.decoder.strict", false)
	v.SetDefault("rxe.filter.enabled", true)

	v.SetDefault("rxe.metrics.enabled", false)
	v.SetDefault("rxe.metrics.listen", ":9091")
	v.SetDefault("rxe.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and fills in the console
// sink when none is configured.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.File != nil && cfg.Log.File.Filename == "" {
		return fmt.Errorf("%w: log.file.filename is required when log.file is set", core.ErrConfigInvalid)
	}

	for _, qpn := range cfg.Filter.QPNs {
		if qpn > 0x00FFFFFF {
			return fmt.Errorf("%w: filter.qpns entry %#x exceeds 24 bits", core.ErrConfigInvalid, qpn)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}

	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []SinkConfig{{Type: "console"}}
	}
	for i, s := range cfg.Sinks {
		if s.Type == "" {
			return fmt.Errorf("%w: sinks[%d].type is required", core.ErrConfigInvalid, i)
		}
	}
	return nil
}
