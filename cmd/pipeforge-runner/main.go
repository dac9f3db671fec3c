// Command pipeforge-runner drives one job's pipeline to completion or
// failure. It is spawned by pipeforged with a jobId as its sole argument
// (spec.md §4.7).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/pipeconfig"
	"github.com/pipeforge/pipeforge/internal/pipelinedef"
	"github.com/pipeforge/pipeforge/internal/pipelinerunner"
	"github.com/pipeforge/pipeforge/internal/pipelog"
	"github.com/pipeforge/pipeforge/internal/pipesignal"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
	"github.com/pipeforge/pipeforge/internal/taskregistry"

	"github.com/getsentry/sentry-go"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pipeforge-runner <jobId>")
		return pipesignal.ExitTaskError
	}
	jobID := os.Args[1]

	cfg := pipeconfig.LoadRunnerConfig()
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

	if !paths.ValidJobID(jobID) {
		log.Error("invalid jobId", "jobId", jobID)
		return pipesignal.ExitTaskError
	}

	ctx, exitCode, stop := pipesignal.WithCancel(context.Background())
	defer stop()

	jobDir := paths.JobDir(cfg.DataRoot, paths.Current, jobID)
	completeDir := paths.Resolve(cfg.DataRoot).Complete

	pipelineBytes, err := os.ReadFile(paths.PipelinePath(cfg.DataRoot, paths.Current, jobID))
	if err != nil {
		log.Error("reading pipeline.json failed", "error", err)
		return pipesignal.ExitTaskError
	}
	pdef, err := pipelinedef.Parse(pipelineBytes)
	if err != nil {
		log.Error("pipeline definition invalid", "error", err)
		return pipesignal.ExitTaskError
	}

	registryBytes, err := os.ReadFile(cfg.TaskRegistry)
	if err != nil {
		log.Error("reading task registry failed", "error", err)
		return pipesignal.ExitTaskError
	}
	registry, err := taskregistry.Load(registryBytes)
	if err != nil {
		log.Error("task registry invalid", "error", err)
		return pipesignal.ExitTaskError
	}

	bus := eventbus.New(log)
	writer := statuswriter.New(bus, log)
	runner := pipelinerunner.New(writer, bus, log)

	var stageTimeout time.Duration
	if cfg.StageTimeoutMs > 0 {
		stageTimeout = time.Duration(cfg.StageTimeoutMs) * time.Millisecond
	}

	code, runErr := runner.Run(ctx, pipelinerunner.Options{
		JobID:          jobID,
		JobDir:         jobDir,
		CompleteDir:    completeDir,
		Pipeline:       pdef,
		Registry:       registry,
		StartFromTask:  cfg.StartFromTask,
		RunSingleTask:  cfg.RunSingleTask,
		MaxRefineTries: cfg.MaxRefineTries,
		StageTimeout:   stageTimeout,
	})
	if runErr != nil {
		log.Error("pipeline run failed", "jobId", jobID, "error", runErr)
	}

	if sig := exitCode(); sig != pipesignal.ExitOK {
		return sig
	}
	return code
}
