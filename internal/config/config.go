// Package config loads the agent configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Run history
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	FallbackModel   string `yaml:"fallback_model"`
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	MaxRetries      int    `yaml:"max_retries"`
}

// ExecutionConfig configures artifact generation and test execution.
type ExecutionConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	Language       string `yaml:"language"`
	FileExtension  string `yaml:"file_extension"`
	PythonBinary   string `yaml:"python_binary"`
	TestTimeout    string `yaml:"test_timeout"`
	RunDeadline    string `yaml:"run_deadline"`
	OutputDir      string `yaml:"output_dir"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	RunLogDir    string `yaml:"run_log_dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:           "gemini-1.5-pro-latest",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Timeout:         "120s",
			MaxOutputTokens: 8192,
			MaxRetries:      3,
		},
		Execution: ExecutionConfig{
			MaxRetries:     3,
			Language:       "python",
			FileExtension:  "py",
			PythonBinary:   "python3",
			TestTimeout:    "120s",
			RunDeadline:    "30m",
			OutputDir:      "generated",
			MaxOutputBytes: 1 << 20,
		},
		History: HistoryConfig{
			DatabasePath: "data/sdlc.db",
			RunLogDir:    "data/runs",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("SDLC_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("SDLC_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if dir := os.Getenv("SDLC_OUTPUT_DIR"); dir != "" {
		c.Execution.OutputDir = dir
	}
	if path := os.Getenv("SDLC_DB"); path != "" {
		c.History.DatabasePath = path
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set GEMINI_API_KEY or the config file)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	if _, err := c.LLMTimeout(); err != nil {
		return fmt.Errorf("llm.timeout: %w", err)
	}
	if _, err := c.TestTimeout(); err != nil {
		return fmt.Errorf("execution.test_timeout: %w", err)
	}
	if _, err := c.RunDeadline(); err != nil {
		return fmt.Errorf("execution.run_deadline: %w", err)
	}
	return nil
}

// LLMTimeout parses the LLM request timeout.
func (c *Config) LLMTimeout() (time.Duration, error) {
	return parseDuration(c.LLM.Timeout, 2*time.Minute)
}

// TestTimeout parses the per-test-run timeout.
func (c *Config) TestTimeout() (time.Duration, error) {
	return parseDuration(c.Execution.TestTimeout, 2*time.Minute)
}

// RunDeadline parses the whole-run deadline.
func (c *Config) RunDeadline() (time.Duration, error) {
	return parseDuration(c.Execution.RunDeadline, 30*time.Minute)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}
