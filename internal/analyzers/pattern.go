// File: internal/analyzers/pattern.go
// Description: Rule-based agent that scans source files for dangerous
// patterns. It needs no network, which makes it the default factory choice.
package analyzers

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/events"
)

// rule is one pattern check applied line by line.
type rule struct {
	id             string
	severity       schemas.Severity
	title          string
	recommendation string
	re             *regexp.Regexp
}

// defaultRules is the built-in rule set. Patterns are deliberately
// conservative; a missed smell is cheaper than a noisy report.
var defaultRules = []rule{
	{
		id:             "OA001",
		severity:       schemas.SeverityCritical,
		title:          "Hardcoded AWS access key",
		recommendation: "Revoke the key and load credentials from the environment or a secret manager.",
		re:             regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		id:             "OA002",
		severity:       schemas.SeverityCritical,
		title:          "Private key material in source",
		recommendation: "Remove the key from the repository and rotate it.",
		re:             regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	},
	{
		id:             "OA003",
		severity:       schemas.SeverityHigh,
		title:          "Hardcoded credential assignment",
		recommendation: "Load secrets from configuration or the environment, never literals.",
		re:             regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|auth[_-]?token)\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		id:             "OA004",
		severity:       schemas.SeverityMedium,
		title:          "Weak hash algorithm",
		recommendation: "Use SHA-256 or stronger for anything security sensitive.",
		re:             regexp.MustCompile(`(?i)\b(md5|sha1)\s*\(`),
	},
	{
		id:             "OA005",
		severity:       schemas.SeverityHigh,
		title:          "Dynamic code evaluation",
		recommendation: "Avoid eval on data that can be influenced by input.",
		re:             regexp.MustCompile(`\beval\s*\(`),
	},
	{
		id:             "OA006",
		severity:       schemas.SeverityInfo,
		title:          "Deferred work marker",
		recommendation: "Track the item in the issue tracker instead of the source.",
		re:             regexp.MustCompile(`\b(TODO|FIXME|HACK)\b`),
	},
}

// PatternAgent implements schemas.Agent with an offline regex rule set.
type PatternAgent struct {
	id            string
	bus           *events.Bus
	correlationID string
	logger        *zap.Logger
	rules         []rule

	filesSeen atomic.Int64
	ready     atomic.Bool
}

// NewPatternAgent builds a pattern agent with the default rule set.
func NewPatternAgent(id string, bus *events.Bus, correlationID string, logger *zap.Logger) *PatternAgent {
	return &PatternAgent{
		id:            id,
		bus:           bus,
		correlationID: correlationID,
		logger:        logger.Named("pattern_agent").With(zap.String("agent_id", id)),
		rules:         defaultRules,
	}
}

// Init marks the agent ready. Rules are compiled at package load.
func (a *PatternAgent) Init(ctx context.Context) error {
	a.ready.Store(true)
	a.logger.Debug("Pattern agent initialized", zap.Int("rules", len(a.rules)))
	return nil
}

// Analyze scans the work item's file line by line against every rule and
// emits a finding event for each hit.
func (a *PatternAgent) Analyze(ctx context.Context, item *schemas.WorkItem) (*schemas.AnalysisResult, error) {
	start := time.Now()

	f, err := os.Open(item.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", item.FilePath, err)
	}
	defer f.Close()

	findings := []schemas.Finding{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		line := scanner.Text()
		for _, r := range a.rules {
			if !r.re.MatchString(line) {
				continue
			}
			finding := schemas.Finding{
				ID:             uuid.New().String(),
				RuleID:         r.id,
				ObservedAt:     time.Now().UTC(),
				FilePath:       item.FilePath,
				Line:           lineNo,
				Title:          r.title,
				Severity:       r.severity,
				Description:    fmt.Sprintf("%s at %s:%d", r.title, item.FilePath, lineNo),
				Recommendation: r.recommendation,
			}
			findings = append(findings, finding)
			a.bus.Emit(events.Event{
				Type:          events.TypeFinding,
				AgentID:       a.id,
				CorrelationID: a.correlationID,
				Payload:       finding,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", item.FilePath, err)
	}

	a.filesSeen.Add(1)
	return &schemas.AnalysisResult{
		AgentID:    a.id,
		WorkItemID: item.ID,
		FilePath:   item.FilePath,
		Findings:   findings,
		Duration:   time.Since(start),
		Success:    true,
	}, nil
}

// Report logs the per-file outcome; results travel back through the pool.
func (a *PatternAgent) Report(ctx context.Context, result *schemas.AnalysisResult) error {
	a.logger.Debug("Analysis reported",
		zap.String("file", result.FilePath),
		zap.Int("findings", len(result.Findings)),
		zap.Duration("duration", result.Duration))
	return nil
}

// Cleanup releases nothing; the agent holds no external resources.
func (a *PatternAgent) Cleanup(ctx context.Context) error {
	a.ready.Store(false)
	return nil
}

// IsAvailable reports whether Init has completed.
func (a *PatternAgent) IsAvailable() bool { return a.ready.Load() }

// Status describes the agent for diagnostics.
func (a *PatternAgent) Status() string {
	return fmt.Sprintf("pattern agent: %d rules, %d files analyzed", len(a.rules), a.filesSeen.Load())
}
