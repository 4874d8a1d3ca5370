// File: internal/analyzers/factory.go
package analyzers

import (
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/pool"
)

// NewFactory returns the agent factory for the configured analyzer mode.
// LLM mode falls back to pattern agents when no API key is configured, so
// a missing key degrades the audit instead of aborting it.
func NewFactory(cfg config.AnalyzersConfig, logger *zap.Logger) pool.AgentFactory {
	useLLM := cfg.Mode == config.AnalyzerModeLLM && cfg.LLM.APIKey != ""
	if cfg.Mode == config.AnalyzerModeLLM && !useLLM {
		logger.Warn("LLM analyzer mode requested but no API key configured, using pattern analyzers")
	}

	return func(actx pool.AgentContext) schemas.Agent {
		if useLLM {
			agent, err := NewLLMAgent(actx.ID, cfg.LLM, actx.Bus, actx.CorrelationID, logger)
			if err == nil {
				return agent
			}
			logger.Error("Failed to construct LLM agent, using pattern agent instead",
				zap.String("agent_id", actx.ID), zap.Error(err))
		}
		return NewPatternAgent(actx.ID, actx.Bus, actx.CorrelationID, logger)
	}
}
