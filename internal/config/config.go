package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"organon/internal/coupling"
	"organon/internal/cycle"
	"organon/internal/energy"
	"organon/internal/family"
	"organon/internal/nexus"
	"organon/internal/regime"
	"organon/internal/reward"
	"organon/internal/stability"
	"organon/internal/threshold"

	"gopkg.in/yaml.v3"
)

// Config holds all organon configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Paths, relative to Workspace unless absolute.
	Workspace   string `yaml:"workspace"`
	StateDir    string `yaml:"state_dir"`
	HistoryPath string `yaml:"history_path"`

	Engine EngineConfig `yaml:"engine"`

	// Component sections
	Energy    energy.Config    `yaml:"energy"`
	Cycle     cycle.Config     `yaml:"cycle"`
	Nexus     nexus.Config     `yaml:"nexus"`
	Coupling  coupling.Config  `yaml:"coupling"`
	Family    family.Config    `yaml:"family"`
	Regime    regime.Config    `yaml:"regime"`
	Threshold threshold.Config `yaml:"threshold"`
	Stability stability.Config `yaml:"stability"`
	Reward    reward.Config    `yaml:"reward"`

	// Synthetic organs used by the simulator.
	Organs []OrganSpec `yaml:"organs"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures turn processing and persistence.
type EngineConfig struct {
	TurnTimeout        string  `yaml:"turn_timeout"`
	FallbackConfidence float64 `yaml:"fallback_confidence"`
	FlushMode          string  `yaml:"flush_mode"` // turn, epoch
	FlushQueue         int     `yaml:"flush_queue"`
	FlushTimeout       string  `yaml:"flush_timeout"`
}

// Flush modes.
const (
	FlushTurn  = "turn"
	FlushEpoch = "epoch"
)

// OrganSpec declares one synthetic organ.
type OrganSpec struct {
	Name      string   `yaml:"name"`
	Category  string   `yaml:"category"`
	Base      float64  `yaml:"base"`
	Jitter    float64  `yaml:"jitter"`
	Threshold float64  `yaml:"threshold"`
	Tags      []string `yaml:"tags"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "organon",
		Version:     "0.3.0",
		Workspace:   ".",
		StateDir:    ".organon/state",
		HistoryPath: ".organon/history.db",

		Engine: EngineConfig{
			TurnTimeout:        "2s",
			FallbackConfidence: 0.1,
			FlushMode:          FlushTurn,
			FlushQueue:         16,
			FlushTimeout:       "5s",
		},

		Energy:    energy.DefaultConfig(),
		Cycle:     cycle.DefaultConfig(),
		Nexus:     nexus.DefaultConfig(),
		Coupling:  coupling.DefaultConfig(),
		Family:    family.DefaultConfig(),
		Regime:    regime.DefaultConfig(),
		Threshold: threshold.DefaultConfig(),
		Stability: stability.DefaultConfig(),
		Reward:    reward.DefaultConfig(),

		Organs: DefaultOrgans(),

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultOrgans returns a twelve-organ roster in two declared categories.
func DefaultOrgans() []OrganSpec {
	affective := []string{"Empathy", "Wisdom", "Authenticity", "Presence", "Attunement", "Grief"}
	cognitive := []string{"Logic", "Memory", "Planning", "Ethics", "Curiosity", "Clarity"}
	var out []OrganSpec
	for i, n := range affective {
		out = append(out, OrganSpec{Name: n, Category: "affective", Base: 0.55 + 0.05*float64(i%3), Jitter: 0.25, Threshold: 0.4})
	}
	for i, n := range cognitive {
		out = append(out, OrganSpec{Name: n, Category: "cognitive", Base: 0.5 + 0.05*float64(i%3), Jitter: 0.25, Threshold: 0.4})
	}
	return out
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("ORGANON_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if dir := os.Getenv("ORGANON_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if lvl := os.Getenv("ORGANON_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
	if v := os.Getenv("ORGANON_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// ResolvePath resolves p against the workspace.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, p)
}

// StatePath returns the resolved state directory.
func (c *Config) StatePath() string { return c.ResolvePath(c.StateDir) }

// HistoryFile returns the resolved history database path.
func (c *Config) HistoryFile() string { return c.ResolvePath(c.HistoryPath) }

// GetTurnTimeout returns the per-turn wall-clock budget as a duration.
func (c *Config) GetTurnTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.TurnTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// GetFlushTimeout returns the flush deadline as a duration.
func (c *Config) GetFlushTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.FlushTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
