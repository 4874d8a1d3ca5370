// File: internal/analyzers/llm.go
// Description: Gemini-backed review agent. Retries transient API failures
// with exponential backoff; permanent API errors fail the attempt so the
// lifecycle's own retry and breaker policies decide what happens next.
package analyzers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/events"
)

const reviewPrompt = `You are a source code auditor. Review the file below and ` +
	`respond with ONLY a JSON array of findings. Each finding is an object with ` +
	`keys "title", "severity" (critical|high|medium|low|info), "line" (integer), ` +
	`"description" and "recommendation". Respond with [] when the file is clean.`

// maxReviewBytes caps how much of a file is sent for review.
const maxReviewBytes = 48 * 1024

// -- Gemini API request/response structures (internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// llmFinding is the shape the model is asked to produce.
type llmFinding struct {
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	Line           int    `json:"line"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// LLMAgent implements schemas.Agent by asking a Gemini model to review files.
type LLMAgent struct {
	id            string
	bus           *events.Bus
	correlationID string
	logger        *zap.Logger
	cfg           config.LLMConfig
	endpoint      string
	httpClient    *http.Client

	ready atomic.Bool
}

// NewLLMAgent initializes the agent. The API key must already be present in cfg.
func NewLLMAgent(id string, cfg config.LLMConfig, bus *events.Bus, correlationID string, logger *zap.Logger) (*LLMAgent, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}
	return &LLMAgent{
		id:            id,
		bus:           bus,
		correlationID: correlationID,
		logger:        logger.Named("llm_agent").With(zap.String("agent_id", id)),
		cfg:           cfg,
		endpoint:      endpoint,
		httpClient:    &http.Client{Timeout: cfg.APITimeout},
	}, nil
}

func (a *LLMAgent) Init(ctx context.Context) error {
	a.ready.Store(true)
	return nil
}

// Analyze sends the file content for review and maps the model's JSON reply
// onto findings.
func (a *LLMAgent) Analyze(ctx context.Context, item *schemas.WorkItem) (*schemas.AnalysisResult, error) {
	start := time.Now()

	data, err := os.ReadFile(item.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", item.FilePath, err)
	}
	if len(data) > maxReviewBytes {
		data = data[:maxReviewBytes]
	}

	raw, err := a.generate(ctx, fmt.Sprintf("%s\n\nFile: %s\n```\n%s\n```", reviewPrompt, item.FilePath, data))
	if err != nil {
		return nil, fmt.Errorf("llm review of %s: %w", item.FilePath, err)
	}

	findings, err := a.parseFindings(item.FilePath, raw)
	if err != nil {
		return nil, fmt.Errorf("parse llm reply for %s: %w", item.FilePath, err)
	}
	for _, f := range findings {
		a.bus.Emit(events.Event{
			Type:          events.TypeFinding,
			AgentID:       a.id,
			CorrelationID: a.correlationID,
			Payload:       f,
		})
	}

	return &schemas.AnalysisResult{
		AgentID:    a.id,
		WorkItemID: item.ID,
		FilePath:   item.FilePath,
		Findings:   findings,
		Duration:   time.Since(start),
		Success:    true,
	}, nil
}

func (a *LLMAgent) Report(ctx context.Context, result *schemas.AnalysisResult) error {
	a.logger.Debug("LLM review reported",
		zap.String("file", result.FilePath),
		zap.Int("findings", len(result.Findings)))
	return nil
}

func (a *LLMAgent) Cleanup(ctx context.Context) error {
	a.ready.Store(false)
	a.httpClient.CloseIdleConnections()
	return nil
}

func (a *LLMAgent) IsAvailable() bool { return a.ready.Load() }

func (a *LLMAgent) Status() string {
	return fmt.Sprintf("llm agent: model %s", a.cfg.Model)
}

// generate sends the prompt to the Gemini API with retries and returns the
// generated text.
func (a *LLMAgent) generate(ctx context.Context, prompt string) (string, error) {
	payload := geminiRequestPayload{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      a.cfg.Temperature,
			ResponseMimeType: "application/json",
			MaxOutputTokens:  a.cfg.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responseContent string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			a.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("gemini API returned status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("gemini API returned status %d: %s", resp.StatusCode, respBody))
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response payload: %w", err))
		}
		if len(responsePayload.Candidates) == 0 || len(responsePayload.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no content"))
		}
		responseContent = responsePayload.Candidates[0].Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

// parseFindings maps the model's JSON array onto schema findings, tolerating
// markdown fences around the payload.
func (a *LLMAgent) parseFindings(filePath, raw string) ([]schemas.Finding, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []llmFinding
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	findings := make([]schemas.Finding, 0, len(parsed))
	for _, f := range parsed {
		findings = append(findings, schemas.Finding{
			ID:             uuid.New().String(),
			RuleID:         "LLM",
			ObservedAt:     time.Now().UTC(),
			FilePath:       filePath,
			Line:           f.Line,
			Title:          f.Title,
			Severity:       normalizeSeverity(f.Severity),
			Description:    f.Description,
			Recommendation: f.Recommendation,
		})
	}
	return findings, nil
}

func normalizeSeverity(s string) schemas.Severity {
	switch schemas.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case schemas.SeverityCritical:
		return schemas.SeverityCritical
	case schemas.SeverityHigh:
		return schemas.SeverityHigh
	case schemas.SeverityMedium:
		return schemas.SeverityMedium
	case schemas.SeverityLow:
		return schemas.SeverityLow
	default:
		return schemas.SeverityInfo
	}
}
