package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for agentfleet.
//
// NOTE: API keys are never stored here; the classifier reads them from the
// environment variable named by ClassifierAPIKeyEnv.
type Config struct {
	// AgentBin is the coding-agent executable spawned for each run.
	AgentBin string `json:"agent_bin"`
	// AgentArgs are passed to every spawn ahead of any per-run arguments.
	AgentArgs []string `json:"agent_args,omitempty"`

	// Concurrency caps simultaneously running agents.
	Concurrency int `json:"concurrency,omitempty"`
	// AgentTimeoutSec bounds one agent run; 0 uses the built-in default.
	AgentTimeoutSec int `json:"agent_timeout_sec,omitempty"`

	RetryMax         int `json:"retry_max,omitempty"`
	RetryBaseMS      int `json:"retry_base_ms,omitempty"`
	OutputCapBytes   int `json:"output_cap_bytes,omitempty"`
	RetentionMinutes int `json:"retention_minutes,omitempty"`

	// AutoApprove answers tool-permission requests affirmatively without
	// operator involvement.
	AutoApprove bool `json:"auto_approve,omitempty"`

	// ClassifierModel selects the LLM classifier, e.g. "anthropic/claude-sonnet-4-5"
	// or "openai/gpt-4o". Empty uses the heuristic classifier.
	ClassifierModel string `json:"classifier_model,omitempty"`
	// ClassifierAPIKeyEnv names the env var holding the provider API key.
	ClassifierAPIKeyEnv string `json:"classifier_api_key_env,omitempty"`

	// ExpertsDir holds expertise YAML files.
	ExpertsDir string `json:"experts_dir,omitempty"`
	// StateDir holds the trace database. Empty resolves under the config dir.
	StateDir string `json:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.AgentBin) == "" {
		return errors.New("missing agent_bin")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must be >= 0")
	}
	if c.AgentTimeoutSec < 0 {
		return errors.New("agent_timeout_sec must be >= 0")
	}
	if c.RetryMax < 0 {
		return errors.New("retry_max must be >= 0")
	}
	if c.RetryBaseMS < 0 {
		return errors.New("retry_base_ms must be >= 0")
	}
	if c.OutputCapBytes < 0 {
		return errors.New("output_cap_bytes must be >= 0")
	}
	if c.RetentionMinutes < 0 {
		return errors.New("retention_minutes must be >= 0")
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if m := strings.TrimSpace(c.ClassifierModel); m != "" {
		if !strings.HasPrefix(m, "anthropic/") && !strings.HasPrefix(m, "openai/") {
			return fmt.Errorf("invalid classifier_model %q: want anthropic/... or openai/...", m)
		}
	}
	return nil
}

// AgentTimeout returns the configured per-agent deadline, zero meaning
// "use the orchestrator default".
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSec) * time.Second
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// DefaultConfigPath returns the default config path:
//
//	~/.agentfleet/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agentfleet.config.json"
	}
	return filepath.Join(home, ".agentfleet", "config.json")
}

// ResolveStateDir returns the directory for local state, defaulting to a
// "state" directory next to the config file.
func ResolveStateDir(cfg *Config, configPath string) string {
	if cfg != nil && strings.TrimSpace(cfg.StateDir) != "" {
		return cfg.StateDir
	}
	return filepath.Join(filepath.Dir(configPath), "state")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
