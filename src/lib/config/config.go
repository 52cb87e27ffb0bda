// Package config loads supervisor configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RespawnDefaults are the controller timings applied to new sessions
// unless overridden per session. InterStepDelayMs is range-checked on
// load but not applied; the session write path uses its own fixed
// 120 ms delay.
type RespawnDefaults struct {
	IdleTimeoutMs         int    `yaml:"idleTimeoutMs"`
	CompletionConfirmMs   int    `yaml:"completionConfirmMs"`
	NoOutputTimeoutMs     int    `yaml:"noOutputTimeoutMs"`
	CooldownMs            int    `yaml:"cooldownMs"`
	InterStepDelayMs      int    `yaml:"interStepDelayMs"`
	AIIdleCheck           bool   `yaml:"aiIdleCheck"`
	AIIdleCheckTimeoutMs  int    `yaml:"aiIdleCheckTimeoutMs"`
	AIIdleCheckCooldownMs int    `yaml:"aiIdleCheckCooldownMs"`
	Prompt                string `yaml:"prompt"`
	MaxCycles             int    `yaml:"maxCycles"`
}

// Config is the full supervisor configuration.
type Config struct {
	Addr       string          `yaml:"addr"`
	DataDir    string          `yaml:"dataDir"`
	Username   string          `yaml:"username"`
	Password   string          `yaml:"password"`
	MuxBinary  string          `yaml:"muxBinary"`
	AgentCmd   string          `yaml:"agentCmd"`
	ArbiterCmd string          `yaml:"arbiterCmd"`
	Respawn    RespawnDefaults `yaml:"respawn"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:       ":7700",
		DataDir:    ".codeman",
		AgentCmd:   "claude",
		ArbiterCmd: "claude",
		Respawn: RespawnDefaults{
			IdleTimeoutMs:         45_000,
			CompletionConfirmMs:   10_000,
			NoOutputTimeoutMs:     120_000,
			CooldownMs:            15_000,
			InterStepDelayMs:      120,
			AIIdleCheckTimeoutMs:  30_000,
			AIIdleCheckCooldownMs: 60_000,
			Prompt:                "continue",
			MaxCycles:             0,
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CODEMAN_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CODEMAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CODEMAN_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("CODEMAN_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("CODEMAN_MUX_BINARY"); v != "" {
		cfg.MuxBinary = v
	}
	if v := os.Getenv("CODEMAN_AGENT_CMD"); v != "" {
		cfg.AgentCmd = v
	}
	if v := os.Getenv("CODEMAN_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Respawn.IdleTimeoutMs = n
		}
	}
}

func validate(cfg Config) error {
	r := cfg.Respawn
	bounds := []struct {
		name     string
		value    int
		min, max int
	}{
		{"idleTimeoutMs", r.IdleTimeoutMs, 1_000, 3_600_000},
		{"completionConfirmMs", r.CompletionConfirmMs, 500, 600_000},
		{"noOutputTimeoutMs", r.NoOutputTimeoutMs, 1_000, 3_600_000},
		{"cooldownMs", r.CooldownMs, 100, 3_600_000},
		{"interStepDelayMs", r.InterStepDelayMs, 10, 10_000},
		{"aiIdleCheckTimeoutMs", r.AIIdleCheckTimeoutMs, 1_000, 600_000},
	}
	for _, b := range bounds {
		if b.value < b.min || b.value > b.max {
			return fmt.Errorf("config: %s=%d out of range [%d, %d]", b.name, b.value, b.min, b.max)
		}
	}
	return nil
}
