// Package pipelinerunner orchestrates all tasks of one job (spec.md §4.7).
// It is invoked as a subprocess of the lifecycle manager with a jobId as
// its sole required argument; this package holds the reusable sequencing
// logic, leaving process bootstrap (env parsing, signal wiring, os.Exit) to
// cmd/pipeforge-runner.
package pipelinerunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/fsatomic"
	"github.com/pipeforge/pipeforge/internal/lifecyclepolicy"
	"github.com/pipeforge/pipeforge/internal/pipeerr"
	"github.com/pipeforge/pipeforge/internal/pipelinedef"
	"github.com/pipeforge/pipeforge/internal/pipelog"
	"github.com/pipeforge/pipeforge/internal/stagerunner"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
	"github.com/pipeforge/pipeforge/internal/taskio"
	"github.com/pipeforge/pipeforge/internal/taskregistry"
)

// Options configures one Run of the pipeline runner over a single job.
type Options struct {
	JobID          string
	JobDir         string // current-bucket job directory, pre-move
	CompleteDir    string // complete bucket root, for the final rename
	Pipeline       *pipelinedef.Definition
	Registry       *taskregistry.Registry
	StartFromTask  string
	RunSingleTask  bool
	MaxRefineTries int
	StageTimeout   time.Duration
}

// Runner drives one job's tasks to completion or failure.
type Runner struct {
	writer *statuswriter.Writer
	bus    *eventbus.Bus
	log    *pipelog.Logger
}

// New constructs a Runner sharing the given writer/bus/logger. bus may be nil.
func New(writer *statuswriter.Writer, bus *eventbus.Bus, log *pipelog.Logger) *Runner {
	return &Runner{writer: writer, bus: bus, log: log}
}

// Run executes Options.Pipeline's tasks in order against opts.JobDir,
// following spec.md §4.7's main loop and finalization. It returns the exit
// code the process should use (0 success, 1 task failure) and an error
// describing any failure for logging.
func (r *Runner) Run(ctx context.Context, opts Options) (int, error) {
	pidPath := filepath.Join(opts.JobDir, "runner.pid")
	if err := fsatomic.Write(pidPath, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return 1, pipeerr.IO("writing runner.pid", err)
	}
	defer os.Remove(pidPath)

	for i, taskName := range opts.Pipeline.Tasks {
		if opts.StartFromTask != "" && i < opts.Pipeline.IndexOf(opts.StartFromTask) {
			continue
		}

		state, err := r.currentTaskState(opts.JobDir, taskName)
		if err != nil {
			return 1, err
		}
		if state == statusdoc.TaskDone {
			if _, err := r.rehydrateOutput(opts.JobDir, taskName); err != nil {
				r.warn("rehydrate failed, continuing", "task", taskName, "error", err)
			}
			if opts.RunSingleTask && taskName == opts.StartFromTask {
				break
			}
			continue
		}

		depsReady := opts.Pipeline.DependenciesReady(taskName, r.allTaskStates(opts.JobDir))
		decision := lifecyclepolicy.Decide(lifecyclepolicy.Request{
			Op: lifecyclepolicy.OpStart, TaskState: state, DependenciesReady: depsReady,
		})
		if !decision.OK {
			if r.bus != nil {
				r.bus.Publish(eventbus.TopicLifecycleBlock, eventbus.LifecycleBlock{
					JobID: opts.JobID, TaskID: taskName, Op: string(lifecyclepolicy.OpStart), Reason: decision.Reason,
				})
			}
			return 1, pipeerr.Lifecycle(decision.Reason)
		}

		if err := r.runTask(ctx, opts, taskName); err != nil {
			return 1, err
		}

		if opts.RunSingleTask && taskName == opts.StartFromTask {
			break
		}
	}

	if opts.RunSingleTask {
		return 0, nil
	}
	if err := r.finalize(opts); err != nil {
		return 1, err
	}
	return 0, nil
}

func (r *Runner) currentTaskState(jobDir, taskName string) (string, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return statusdoc.TaskPending, nil
		}
		return "", pipeerr.IO("reading tasks-status.json", err)
	}
	doc, err := statusdoc.Parse(data)
	if err != nil {
		return statusdoc.TaskPending, nil
	}
	tr, ok := doc.Task(taskName)
	if !ok {
		return statusdoc.TaskPending, nil
	}
	return tr.State, nil
}

func (r *Runner) allTaskStates(jobDir string) map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		return out
	}
	doc, err := statusdoc.Parse(data)
	if err != nil {
		return out
	}
	for name := range doc.Tasks() {
		tr, _ := doc.Task(name)
		out[name] = tr.State
	}
	return out
}

func (r *Runner) rehydrateOutput(jobDir, taskName string) (map[string]any, error) {
	path := filepath.Join(jobDir, "tasks", taskName, "output.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) runTask(ctx context.Context, opts Options, taskName string) error {
	start := time.Now()
	if err := r.writer.UpdateTask(opts.JobDir, taskName, func(tr *statusdoc.TaskRecord) {
		tr.State = statusdoc.TaskRunning
		tr.Attempts++
		tr.StartedAt = start.UTC().Format(time.RFC3339Nano)
		tr.CurrentStage = ""
	}); err != nil {
		return pipeerr.IO("writing running state for "+taskName, err)
	}

	descriptor, err := opts.Registry.Lookup(taskName)
	if err != nil {
		r.failTask(opts.JobDir, taskName, "", err)
		return err
	}
	if err := taskregistry.CheckVersion(descriptor); err != nil {
		r.failTask(opts.JobDir, taskName, "", err)
		return err
	}

	taskDir := filepath.Join(opts.JobDir, "tasks", taskName)

	if err := taskio.ValidateBridge(taskDir, descriptor.SharedDeps); err != nil {
		r.failTask(opts.JobDir, taskName, "bridge", err)
		return err
	}

	fio := taskio.New(opts.JobDir, taskName, opts.JobDir, r.writer, nil)

	seed, _ := r.loadSeedData(opts.JobDir)
	res := stagerunner.Run(ctx, descriptor, seed, stagerunner.Options{
		MaxRefinementAttempts: opts.MaxRefineTries,
		StageTimeout:          opts.StageTimeout,
	})

	logsJSON, _ := json.Marshal(res.Logs)
	_ = fio.WriteLog(fmt.Sprintf("%s-%s-execution-logs.json", taskName, lastStage(res)), logsJSON, taskio.ModeReplace)

	if !res.OK {
		failJSON, _ := json.Marshal(map[string]any{
			"failedStage":        res.FailedStage,
			"error":              res.Error.Error(),
			"refinementAttempts": res.RefinementAttempts,
			"context":            res.Context,
		})
		_ = fio.WriteLog(fmt.Sprintf("%s-%s-failure-details.json", taskName, res.FailedStage), failJSON, taskio.ModeReplace)

		r.failTask(opts.JobDir, taskName, res.FailedStage, res.Error)
		return res.Error
	}

	execMs := time.Since(start).Milliseconds()
	if err := r.writer.UpdateTask(opts.JobDir, taskName, func(tr *statusdoc.TaskRecord) {
		tr.State = statusdoc.TaskDone
		tr.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
		tr.ExecutionTimeMs = execMs
		tr.RefinementAttempts = res.RefinementAttempts
		tr.CurrentStage = ""
	}); err != nil {
		return pipeerr.IO("writing done state for "+taskName, err)
	}

	outJSON, _ := json.Marshal(res.Context.Output)
	if err := fsatomic.Write(filepath.Join(taskDir, "output.json"), outJSON); err != nil {
		r.warn("writing rehydratable output.json failed", "task", taskName, "error", err)
	}
	// finalization's accepted output is persisted as the task's artifact.
	if err := fio.WriteArtifact(taskName+"-output.json", outJSON, taskio.ModeReplace); err != nil {
		r.warn("writing final artifact failed", "task", taskName, "error", err)
	}
	return nil
}

func (r *Runner) failTask(jobDir, taskName, failedStage string, cause error) {
	_ = r.writer.UpdateTask(jobDir, taskName, func(tr *statusdoc.TaskRecord) {
		tr.State = statusdoc.TaskFailed
		tr.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
		tr.FailedStage = failedStage
		tr.Error = map[string]any{"message": cause.Error()}
	})
}

func (r *Runner) loadSeedData(jobDir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, "seed.json"))
	if err != nil {
		return map[string]any{}, err
	}
	var seed struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return map[string]any{}, err
	}
	return seed.Data, nil
}

func (r *Runner) finalize(opts Options) error {
	for _, taskName := range opts.Pipeline.Tasks {
		taskDir := filepath.Join(opts.JobDir, "tasks", taskName)
		if err := taskio.SweepBridge(taskDir); err != nil {
			return err
		}
	}

	completeDir := filepath.Join(opts.CompleteDir, opts.JobID)
	if err := os.MkdirAll(opts.CompleteDir, 0o755); err != nil {
		return pipeerr.IO("creating complete bucket", err)
	}
	if err := os.Rename(opts.JobDir, completeDir); err != nil {
		return pipeerr.IO("moving job to complete bucket", err)
	}

	data, err := os.ReadFile(filepath.Join(completeDir, "tasks-status.json"))
	if err != nil {
		return pipeerr.IO("reading final status for summary", err)
	}
	doc, err := statusdoc.Parse(data)
	if err != nil {
		return pipeerr.IO("parsing final status for summary", err)
	}

	totalMs := int64(0)
	totalRefine := 0
	var finalArtifacts []string
	for name := range doc.Tasks() {
		tr, _ := doc.Task(name)
		totalMs += tr.ExecutionTimeMs
		totalRefine += tr.RefinementAttempts
	}
	finalArtifacts = doc.JobFiles().Artifacts

	summary := map[string]any{
		"id":                 opts.JobID,
		"finishedAt":         time.Now().UTC().Format(time.RFC3339Nano),
		"tasks":              opts.Pipeline.Tasks,
		"totalTimeMs":        totalMs,
		"totalRefineAttempts": totalRefine,
		"finalArtifacts":     finalArtifacts,
	}
	summaryJSON, _ := json.Marshal(summary)
	return fsatomic.AppendLine(filepath.Join(opts.CompleteDir, "runs.jsonl"), summaryJSON)
}

func lastStage(res stagerunner.Result) string {
	if res.FailedStage != "" {
		return res.FailedStage
	}
	return "finalization"
}

func (r *Runner) warn(msg string, kv ...any) {
	if r.log != nil {
		r.log.Warn(msg, kv...)
	}
}
