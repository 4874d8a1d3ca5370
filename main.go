// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehudso7/omniaudit/cmd"
	"github.com/ehudso7/omniaudit/internal/observability"
)

// main is the entry point for the OmniAudit CLI application.
func main() {
	// Listen for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown initiated by the user.
			os.Exit(0)
		}
		os.Exit(1)
	}
}
