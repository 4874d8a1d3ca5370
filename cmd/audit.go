// File: cmd/audit.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/analyzers"
	"github.com/ehudso7/omniaudit/internal/complexity"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/events"
	"github.com/ehudso7/omniaudit/internal/observability"
	"github.com/ehudso7/omniaudit/internal/orchestrator"
	"github.com/ehudso7/omniaudit/internal/pool"
	"github.com/ehudso7/omniaudit/internal/reporting"
)

// skippedDirs are never descended into when expanding directory arguments.
var skippedDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"vendor":       {},
}

// newAuditCmd creates and configures the `audit` command.
func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit [paths...]",
		Short: "Audits the given files and directories for risky patterns",
		Args:  cobra.MinimumNArgs(1),
		// Bind override flags to their Viper keys here so command-line flags
		// correctly take precedence over config file and environment values.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("orchestrator.max_agents", cmd.Flags().Lookup("max-agents")); err != nil {
				return err
			}
			if err := viper.BindPFlag("analyzers.mode", cmd.Flags().Lookup("mode")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			failOn, err := parseFailOn(viper.GetString("fail_on"))
			if err != nil {
				return err
			}

			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no auditable files found under %s", strings.Join(args, ", "))
			}

			auditID := uuid.New().String()
			logger.Info("Starting new audit",
				zap.String("audit_id", auditID),
				zap.Int("files", len(files)),
				zap.Int("max_agents", cfg.Orchestrator.MaxAgents),
				zap.String("analyzer_mode", cfg.Analyzers.Mode),
			)

			orch, bus, err := initializeAuditComponents(cfg, auditID, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize audit components: %w", err)
			}

			// Console progress, independent of the structured log stream.
			unsubscribe := bus.Subscribe(events.TypeProgress, func(evt events.Event) {
				if p, ok := evt.Payload.(events.ProgressPayload); ok && p.Total > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "\raudited %d/%d files", p.Processed, p.Total)
					if p.Processed == p.Total {
						fmt.Fprintln(cmd.ErrOrStderr())
					}
				}
			})
			defer unsubscribe()

			results, err := orch.Run(ctx, files)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Audit aborted gracefully", zap.String("audit_id", auditID))
					return fmt.Errorf("audit aborted by user signal")
				}
				logger.Error("Audit failed during orchestration", zap.Error(err), zap.String("audit_id", auditID))
				return err
			}

			report := reporting.BuildReport(auditID, results)
			outputPath := viper.GetString("output")
			format := viper.GetString("format")
			if err := writeReport(report, format, outputPath, logger); err != nil {
				return err
			}

			if failOn != "" && report.HasSeverityAtLeast(failOn) {
				return fmt.Errorf("findings at or above severity %q detected", failOn)
			}
			return nil
		},
	}

	// Reporting flags.
	auditCmd.Flags().StringP("output", "o", "", "Output file path for the report. If unset, the report goes to stdout.")
	auditCmd.Flags().StringP("format", "f", "text", "Format for the output report ('json' or 'text').")
	auditCmd.Flags().String("fail-on", "", "Exit non-zero when a finding at or above this severity exists (e.g. 'high').")

	// Orchestration override flags.
	auditCmd.Flags().IntP("max-agents", "j", 0, "Maximum number of concurrent analysis agents. (Overrides config/env)")
	auditCmd.Flags().String("mode", "", "Analyzer mode, 'pattern' or 'llm'. (Overrides config/env)")

	viper.BindPFlag("output", auditCmd.Flags().Lookup("output"))
	viper.BindPFlag("format", auditCmd.Flags().Lookup("format"))
	viper.BindPFlag("fail_on", auditCmd.Flags().Lookup("fail-on"))

	return auditCmd
}

// initializeAuditComponents handles dependency injection for one audit run.
func initializeAuditComponents(cfg *config.Config, auditID string, logger *zap.Logger) (*orchestrator.Orchestrator, *events.Bus, error) {
	bus := events.NewBus(logger, cfg.Orchestrator.EventHistorySize)

	factory := analyzers.NewFactory(cfg.Analyzers, logger)
	agentPool, err := pool.New(cfg.Orchestrator, factory, bus, auditID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create agent pool: %w", err)
	}

	provider := complexity.NewProvider(logger)
	orch, err := orchestrator.New(cfg.Orchestrator, agentPool, provider, bus, auditID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, bus, nil
}

// collectFiles expands the path arguments into a flat list of regular files,
// preserving argument order. Directories are walked lexically.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})

	add := func(path string) {
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("cannot audit %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if _, skip := skippedDirs[d.Name()]; skip {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return files, nil
}

// parseFailOn validates the fail-on severity. Empty means never fail on
// findings.
func parseFailOn(value string) (schemas.Severity, error) {
	if value == "" {
		return "", nil
	}
	sev := schemas.Severity(strings.ToLower(value))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("invalid fail-on severity %q", value)
	}
	return sev, nil
}

// writeReport serializes the report and logs where it went.
func writeReport(report *reporting.Report, format, outputPath string, logger *zap.Logger) error {
	reporter, err := reporting.New(format, outputPath)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Error("Failed to close reporter", zap.Error(err))
		}
	}()

	if err := reporter.Write(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if outputPath != "" && outputPath != "stdout" {
		logger.Info("Report written", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}
