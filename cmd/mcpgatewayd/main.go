// Package main is the entry point for the mcpgatewayd aggregating proxy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok-labs/mcpgatewayd/cmd/mcpgatewayd/app"
	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("error executing command: %v", err)
		os.Exit(1)
	}
}
