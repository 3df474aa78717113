// Command crucible-worker dequeues and evaluates runs from a crucible
// engine's control plane (spec.md §4.7, §6.4).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/crucible-build/crucible/internal/taskeval"
	"github.com/crucible-build/crucible/internal/workerproto"
	"github.com/crucible-build/crucible/rpc"
)

func main() {
	// The self-reexec pattern sandbox/linux relies on: before any flag
	// parsing or worker logic runs, check whether this process invocation
	// is actually a namespace-setup stage re-exec and, if so, hand off
	// immediately (dispatchSandboxStage never returns in that case).
	dispatchSandboxStage()

	socketPath := flag.String("socket", "", "path to the engine's control-plane socket")
	tcpAddr := flag.String("addr", "", "TCP address of the engine's control-plane, if not using a unix socket")
	bearerToken := flag.String("token", os.Getenv("CRUCIBLE_TOKEN"), "bearer token for the control-plane RPC")
	systems := flag.String("systems", defaultHostTag(), "comma-separated system tags this worker accepts (e.g. x86_64-linux)")
	concurrency := flag.Int("concurrency", 1, "maximum runs evaluated concurrently")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *socketPath == "" && *tcpAddr == "" {
		fmt.Fprintln(os.Stderr, "crucible-worker: one of -socket or -addr is required")
		os.Exit(1)
	}

	var client *rpc.Client
	if *socketPath != "" {
		client = rpc.NewUnixClient(*socketPath, *bearerToken)
	} else {
		client = rpc.NewTCPClient(*tcpAddr, *bearerToken)
	}

	w := &workerproto.Worker{
		Client:      client,
		Evaluator:   taskeval.Evaluator{},
		Systems:     strings.Split(*systems, ","),
		Concurrency: *concurrency,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("crucible-worker received shutdown signal")
		cancel()
	}()

	slog.Info("crucible-worker starting", "systems", *systems, "concurrency", *concurrency)
	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crucible-worker: %v\n", err)
		os.Exit(1)
	}
}

func defaultHostTag() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	}
	return arch + "-" + runtime.GOOS
}
