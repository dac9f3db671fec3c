// Package pipeconfig loads runner/lifecycle-manager configuration from
// environment variables, in the teacher's plain envutil style rather than
// a structured config library — this system has few enough settings that a
// config file format would be pure ceremony (spec.md §6 "Environment
// variables consumed by the runner").
package pipeconfig

import (
	"os"
	"strconv"
	"strings"
)

func getEnv(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func getEnvAsInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvAsBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// RunnerConfig is the pipeline runner's configuration, read per spec.md §4.7
// Startup and §6's environment variable list.
type RunnerConfig struct {
	DataRoot       string
	TaskRegistry   string
	PipelinePath   string
	PipelineSlug   string
	StartFromTask  string
	RunSingleTask  bool
	LogLevel       string
	MaxRefineTries int
	StageTimeoutMs int
}

// LoadRunnerConfig reads a RunnerConfig from the process environment.
func LoadRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DataRoot:       getEnv("DATA_ROOT", "."),
		TaskRegistry:   getEnv("TASK_REGISTRY", "task-registry.yaml"),
		PipelinePath:   getEnv("PIPELINE_PATH", ""),
		PipelineSlug:   getEnv("PIPELINE_SLUG", ""),
		StartFromTask:  getEnv("START_FROM_TASK", ""),
		RunSingleTask:  getEnvAsBool("RUN_SINGLE_TASK", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxRefineTries: getEnvAsInt("MAX_REFINEMENT_ATTEMPTS", 2),
		StageTimeoutMs: getEnvAsInt("STAGE_TIMEOUT_MS", 0),
	}
}

// LifecycleConfig is the lifecycle manager's configuration.
type LifecycleConfig struct {
	DataRoot       string
	TaskRegistry   string
	PipelineDir    string
	MaxConcurrent  int
	LogLevel       string
	RunnerBinary   string
	PollIntervalMs int
	StaleAfterMs   int
}

// LoadLifecycleConfig reads a LifecycleConfig from the process environment.
func LoadLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		DataRoot:       getEnv("DATA_ROOT", "."),
		TaskRegistry:   getEnv("TASK_REGISTRY", "task-registry.yaml"),
		PipelineDir:    getEnv("PIPELINE_DIR", "pipelines"),
		MaxConcurrent:  getEnvAsInt("MAX_CONCURRENT_RUNNERS", 4),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RunnerBinary:   getEnv("RUNNER_BINARY", "pipeforge-runner"),
		PollIntervalMs: getEnvAsInt("POLL_INTERVAL_MS", 500),
		StaleAfterMs:   getEnvAsInt("STALE_RUNNER_THRESHOLD_MS", 60000),
	}
}
