package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/xenophobed/isa-mcp/internal/app"
	"github.com/xenophobed/isa-mcp/internal/config"
	"github.com/xenophobed/isa-mcp/internal/fault"
)

// Exit codes: 0 normal shutdown, 2 configuration invalid, 3 required
// dependency unreachable at boot after the retry budget, 130 interrupted.
const (
	exitOK          = 0
	exitGeneric     = 1
	exitConfig      = 2
	exitDependency  = 3
	exitInterrupted = 130
)

func main() {
	stdio := flag.Bool("stdio", false, "serve a single MCP session on stdin/stdout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Track which signal ended the process: SIGINT maps to 130.
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			interrupted.Store(true)
		}
		cancel()
		// A second signal kills immediately.
		<-sigCh
		os.Exit(exitInterrupted)
	}()

	if err := app.Run(ctx, cfg, *stdio); err != nil {
		slog.Error("fatal", "error", err)
		if fault.IsKind(err, fault.Unavailable) {
			os.Exit(exitDependency)
		}
		os.Exit(exitGeneric)
	}

	if interrupted.Load() {
		os.Exit(exitInterrupted)
	}
	os.Exit(exitOK)
}
