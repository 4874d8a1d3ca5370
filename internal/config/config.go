// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Analyzers    AnalyzersConfig    `mapstructure:"analyzers" yaml:"analyzers"`
}

// LoggerConfig controls the zap logger bootstrap.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// OrchestratorConfig governs one orchestrator instance: how many agents may
// run, when to warn about memory pressure, and how often to checkpoint.
type OrchestratorConfig struct {
	MaxAgents           int           `mapstructure:"max_agents" yaml:"max_agents"`
	MemoryThresholdMB   int           `mapstructure:"memory_threshold_mb" yaml:"memory_threshold_mb"`
	CheckpointInterval  time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	EnableCheckpointing bool          `mapstructure:"enable_checkpointing" yaml:"enable_checkpointing"`
	EventHistorySize    int           `mapstructure:"event_history_size" yaml:"event_history_size"`
	Agent               AgentConfig   `mapstructure:"agent" yaml:"agent"`
}

// AgentConfig tunes the per-agent retry policy and circuit breaker.
type AgentConfig struct {
	MaxRetries              int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff         time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff"`
	Timeout                 time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerReset     time.Duration `mapstructure:"circuit_breaker_reset" yaml:"circuit_breaker_reset"`
}

// Analyzer modes accepted by AnalyzersConfig.Mode.
const (
	AnalyzerModePattern = "pattern"
	AnalyzerModeLLM     = "llm"
)

// AnalyzersConfig selects and tunes the bundled analysis agents.
type AnalyzersConfig struct {
	// Mode selects the agent implementation the default factory builds:
	// "pattern" (rule-based, offline) or "llm" (Gemini-backed review).
	Mode string    `mapstructure:"mode" yaml:"mode"`
	LLM  LLMConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMConfig configures the optional LLM-backed review agent.
type LLMConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "omniaudit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_agents", 20)
	v.SetDefault("orchestrator.memory_threshold_mb", 1024)
	v.SetDefault("orchestrator.checkpoint_interval", "30s")
	v.SetDefault("orchestrator.enable_checkpointing", true)
	v.SetDefault("orchestrator.event_history_size", 1000)

	// -- Agent --
	v.SetDefault("orchestrator.agent.max_retries", 3)
	v.SetDefault("orchestrator.agent.retry_backoff", "1s")
	v.SetDefault("orchestrator.agent.max_retry_backoff", "30s")
	v.SetDefault("orchestrator.agent.timeout", "5m")
	v.SetDefault("orchestrator.agent.circuit_breaker_threshold", 5)
	v.SetDefault("orchestrator.agent.circuit_breaker_reset", "60s")

	// -- Analyzers --
	v.SetDefault("analyzers.mode", "pattern")
	v.SetDefault("analyzers.llm.model", "gemini-2.5-flash")
	v.SetDefault("analyzers.llm.api_timeout", "2m")
	v.SetDefault("analyzers.llm.temperature", 0.2)
	v.SetDefault("analyzers.llm.max_tokens", 4096)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("analyzers.llm.api_key", "OMNIAUDIT_LLM_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up.
	if cfg.Analyzers.Mode == AnalyzerModeLLM && cfg.Analyzers.LLM.APIKey == "" {
		cfg.Analyzers.LLM.APIKey = os.Getenv("OMNIAUDIT_LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxAgents <= 0 {
		return fmt.Errorf("orchestrator.max_agents must be a positive integer")
	}
	if c.Orchestrator.MemoryThresholdMB <= 0 {
		return fmt.Errorf("orchestrator.memory_threshold_mb must be a positive integer")
	}
	if c.Orchestrator.EnableCheckpointing && c.Orchestrator.CheckpointInterval <= 0 {
		return fmt.Errorf("orchestrator.checkpoint_interval must be a positive duration when checkpointing is enabled")
	}
	if err := c.Orchestrator.Agent.Validate(); err != nil {
		return fmt.Errorf("orchestrator.agent configuration invalid: %w", err)
	}
	if err := c.Analyzers.Validate(); err != nil {
		return fmt.Errorf("analyzers configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if a.RetryBackoff <= 0 || a.MaxRetryBackoff < a.RetryBackoff {
		return fmt.Errorf("retry_backoff must be positive and no larger than max_retry_backoff")
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if a.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("circuit_breaker_threshold must be at least 1")
	}
	if a.CircuitBreakerReset <= 0 {
		return fmt.Errorf("circuit_breaker_reset must be a positive duration")
	}
	return nil
}

// Validate checks the AnalyzersConfig settings.
func (a *AnalyzersConfig) Validate() error {
	switch a.Mode {
	case "", AnalyzerModePattern:
		return nil
	case AnalyzerModeLLM:
		if a.LLM.Model == "" {
			return fmt.Errorf("llm.model is required when analyzers.mode is 'llm'")
		}
		return nil
	default:
		return fmt.Errorf("unknown analyzers.mode %q (expected 'pattern' or 'llm')", a.Mode)
	}
}
