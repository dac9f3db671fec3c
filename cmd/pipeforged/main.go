// Command pipeforged is the long-lived lifecycle manager process: it
// watches the pending bucket, promotes valid seeds, and supervises one
// pipeforge-runner subprocess per active job (spec.md §4.9).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/lifecycle"
	"github.com/pipeforge/pipeforge/internal/pipeconfig"
	"github.com/pipeforge/pipeforge/internal/pipelineregistry"
	"github.com/pipeforge/pipeforge/internal/pipelog"
	"github.com/pipeforge/pipeforge/internal/pipesignal"
	"github.com/pipeforge/pipeforge/internal/statuswriter"

	"github.com/getsentry/sentry-go"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := pipeconfig.LoadLifecycleConfig()
	log, err := pipelog.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pipelog.New:", err)
		return pipesignal.ExitTaskError
	}
	defer log.Sync()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err == nil {
			defer sentry.Flush(2 * time.Second)
			defer sentry.Recover()
		}
	}

	ctx, exitCode, stop := pipesignal.WithCancel(context.Background())
	defer stop()

	bus := eventbus.New(log)
	writer := statuswriter.New(bus, log)
	pipelines := pipelineregistry.New(cfg.PipelineDir)

	mgr, err := lifecycle.New(lifecycle.Options{
		DataRoot:      cfg.DataRoot,
		Pipelines:     pipelines,
		Writer:        writer,
		Bus:           bus,
		Log:           log,
		RunnerBinary:  cfg.RunnerBinary,
		MaxConcurrent: cfg.MaxConcurrent,
		PollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		StaleAfter:    time.Duration(cfg.StaleAfterMs) * time.Millisecond,
	})
	if err != nil {
		log.Error("failed to start lifecycle manager", "error", err)
		return pipesignal.ExitTaskError
	}
	defer mgr.Close()

	log.Info("pipeforged started", "dataRoot", cfg.DataRoot, "pipelineDir", cfg.PipelineDir)
	if err := mgr.Run(ctx); err != nil {
		log.Error("lifecycle manager stopped with error", "error", err)
		return pipesignal.ExitTaskError
	}

	if sig := exitCode(); sig != pipesignal.ExitOK {
		return sig
	}
	return pipesignal.ExitOK
}
