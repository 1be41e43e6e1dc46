// Package main is the Substrate orchestrator entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/common/config"
	"github.com/substratehq/substrate/internal/common/logger"
	"github.com/substratehq/substrate/internal/orchestrator"
	"github.com/substratehq/substrate/internal/store"
)

const usage = `usage: substrate <command> [flags]

commands:
  run    -graph <file> [-project <dir>] [-events <file>]   execute a task graph
  resume [-project <dir>] [-events <file>]                 resume an interrupted session
  retry  -session <id> -tasks <id,...> [-follow]           re-run failed tasks
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return orchestrator.ExitUsage
	}

	command := args[0]
	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	var (
		projectRoot = flags.String("project", ".", "project root (git repository)")
		configPath  = flags.String("config", "", "directory holding substrate.yaml")
		graphPath   = flags.String("graph", "", "task graph file (YAML or JSON)")
		eventsPath  = flags.String("events", "", "write the NDJSON event stream to this file")
		sessionID   = flags.String("session", "", "session id (retry)")
		taskList    = flags.String("tasks", "", "comma-separated task ids (retry)")
		follow      = flags.Bool("follow", false, "re-execute the graph after resetting tasks")
	)
	if err := flags.Parse(args[1:]); err != nil {
		return orchestrator.ExitUsage
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return orchestrator.ExitUsage
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return orchestrator.ExitUsage
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	opts := orchestrator.Options{
		ProjectRoot: *projectRoot,
		Config:      cfg,
		Logger:      log,
	}
	if *eventsPath != "" {
		f, err := os.OpenFile(*eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open event stream file: %v\n", err)
			return orchestrator.ExitUsage
		}
		defer f.Close()
		opts.EventStream = f
	}

	o, err := orchestrator.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start orchestrator: %v\n", err)
		return orchestrator.ExitUsage
	}
	defer func() { _ = o.Close() }()

	ctx := signalContext(log)

	switch command {
	case "run":
		if *graphPath == "" {
			fmt.Fprint(os.Stderr, usage)
			return orchestrator.ExitUsage
		}
		res, err := o.Run(ctx, *graphPath)
		return reportRun(log, res, err)
	case "resume":
		res, err := o.Resume(ctx)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "no interrupted session to resume")
			return orchestrator.ExitUsage
		}
		return reportRun(log, res, err)
	case "retry":
		if *sessionID == "" || *taskList == "" {
			fmt.Fprint(os.Stderr, usage)
			return orchestrator.ExitUsage
		}
		res, err := o.Retry(ctx, *sessionID, strings.Split(*taskList, ","), *follow)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retry failed: %v\n", err)
		}
		return res.ExitCode
	default:
		fmt.Fprint(os.Stderr, usage)
		return orchestrator.ExitUsage
	}
}

func reportRun(log *logger.Logger, res *orchestrator.RunResult, err error) int {
	if errors.Is(err, orchestrator.ErrInterrupted) {
		log.Info("run interrupted, session is resumable",
			zap.String("session_id", res.SessionID))
		// Graceful shutdown is a clean exit.
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		return orchestrator.ExitUsage
	}

	log.Info("run finished",
		zap.String("session_id", res.SessionID),
		zap.Int("total", res.Total),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("cancelled", res.Cancelled))
	if res.Failed > 0 || res.Cancelled > 0 {
		return orchestrator.ExitPartialFailure
	}
	return 0
}

// signalContext cancels on the first SIGINT/SIGTERM; a second signal
// during shutdown forces an immediate exit.
func signalContext(log *logger.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutdown signal received, finishing gracefully (signal again to force)")
		cancel()
		<-sigCh
		log.Warn("second signal received, exiting immediately")
		os.Exit(1)
	}()
	return ctx
}
