package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehudso7/omniaudit/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "omniaudit", cfg.Logger.ServiceName)

	assert.Equal(t, 20, cfg.Orchestrator.MaxAgents)
	assert.Equal(t, 1024, cfg.Orchestrator.MemoryThresholdMB)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.CheckpointInterval)
	assert.True(t, cfg.Orchestrator.EnableCheckpointing)
	assert.Equal(t, 1000, cfg.Orchestrator.EventHistorySize)

	assert.Equal(t, 3, cfg.Orchestrator.Agent.MaxRetries)
	assert.Equal(t, time.Second, cfg.Orchestrator.Agent.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Agent.MaxRetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.Agent.Timeout)
	assert.Equal(t, 5, cfg.Orchestrator.Agent.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.Agent.CircuitBreakerReset)

	assert.Equal(t, config.AnalyzerModePattern, cfg.Analyzers.Mode)

	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("orchestrator.max_agents", 3)
	v.Set("orchestrator.agent.circuit_breaker_threshold", 2)

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAgents)
	assert.Equal(t, 2, cfg.Orchestrator.Agent.CircuitBreakerThreshold)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1024, cfg.Orchestrator.MemoryThresholdMB)
}

func TestNewConfigFromViper_LLMKeyFromEnv(t *testing.T) {
	t.Setenv("OMNIAUDIT_LLM_API_KEY", "test-key")

	v := viper.New()
	config.SetDefaults(v)
	v.Set("analyzers.mode", "llm")

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, config.AnalyzerModeLLM, cfg.Analyzers.Mode)
	assert.Equal(t, "test-key", cfg.Analyzers.LLM.APIKey)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero max agents", func(c *config.Config) { c.Orchestrator.MaxAgents = 0 }},
		{"zero memory threshold", func(c *config.Config) { c.Orchestrator.MemoryThresholdMB = 0 }},
		{"checkpointing without interval", func(c *config.Config) { c.Orchestrator.CheckpointInterval = 0 }},
		{"zero retries", func(c *config.Config) { c.Orchestrator.Agent.MaxRetries = 0 }},
		{"backoff larger than cap", func(c *config.Config) {
			c.Orchestrator.Agent.RetryBackoff = time.Minute
			c.Orchestrator.Agent.MaxRetryBackoff = time.Second
		}},
		{"zero timeout", func(c *config.Config) { c.Orchestrator.Agent.Timeout = 0 }},
		{"zero breaker threshold", func(c *config.Config) { c.Orchestrator.Agent.CircuitBreakerThreshold = 0 }},
		{"zero breaker reset", func(c *config.Config) { c.Orchestrator.Agent.CircuitBreakerReset = 0 }},
		{"unknown analyzer mode", func(c *config.Config) { c.Analyzers.Mode = "quantum" }},
		{"llm mode without model", func(c *config.Config) {
			c.Analyzers.Mode = config.AnalyzerModeLLM
			c.Analyzers.LLM.Model = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_CheckpointIntervalIgnoredWhenDisabled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Orchestrator.EnableCheckpointing = false
	cfg.Orchestrator.CheckpointInterval = 0
	assert.NoError(t, cfg.Validate())
}
