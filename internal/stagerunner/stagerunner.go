// Package stagerunner executes one task's eight-stage sequence (spec.md
// §4.6) against a task-registry subprocess, driving the bounded refine loop
// and producing the structured log records the pipeline runner persists.
package stagerunner

import (
	"context"
	"fmt"
	"time"

	"github.com/pipeforge/pipeforge/internal/pipeerr"
	"github.com/pipeforge/pipeforge/internal/taskproc"
	"github.com/pipeforge/pipeforge/internal/taskregistry"
)

// Stage names, in required execution order (spec.md §4.6).
const (
	StageIngestion      = "ingestion"
	StagePreProcessing  = "pre-processing"
	StagePromptAssembly = "prompt-assembly"
	StageInvocation     = "invocation"
	StageParsing        = "parsing"
	StageValidation     = "validation"
	StageRefinement     = "refinement"
	StageFinalization   = "finalization"
)

var order = []string{
	StageIngestion, StagePreProcessing, StagePromptAssembly, StageInvocation,
	StageParsing, StageValidation, StageRefinement, StageFinalization,
}

const defaultMaxRefinementAttempts = 2

// LogRecord is one stage entry/exit record appended to context.logs.
type LogRecord struct {
	Stage   string         `json:"stage"`
	Event   string         `json:"event"`
	Ms      int64          `json:"ms"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Context is the mutable state threaded through every stage call.
type Context struct {
	Data               map[string]any `json:"data"`
	Flags              map[string]any `json:"flags"`
	Logs               []LogRecord    `json:"logs"`
	PreviousStage      string         `json:"previousStage"`
	CurrentStage       string         `json:"currentStage"`
	Output             map[string]any `json:"output"`
	RefinementAttempts int            `json:"refinementAttempts"`
}

func newContext(seedData map[string]any) *Context {
	return &Context{
		Data:          seedData,
		Flags:         map[string]any{},
		Logs:          []LogRecord{},
		PreviousStage: "seed",
		Output:        map[string]any{},
	}
}

// Result is what Run returns on completion, success or failure.
type Result struct {
	OK                 bool
	Context            *Context
	Logs               []LogRecord
	FailedStage        string
	RefinementAttempts int
	Error              error
}

// Options configures one Run invocation.
type Options struct {
	MaxRefinementAttempts int           // default 2, per spec.md §4.6
	StageTimeout          time.Duration // 0 disables per-stage timeouts
}

// Run drives descriptor's subprocess through the eight-stage sequence,
// honoring the validation -> refinement -> prompt-assembly back-edge until
// either validation succeeds or the refine budget is exhausted.
func Run(ctx context.Context, descriptor taskregistry.Descriptor, seedData map[string]any, opts Options) Result {
	maxRefine := opts.MaxRefinementAttempts
	if maxRefine <= 0 {
		maxRefine = defaultMaxRefinementAttempts
	}

	tc := newContext(seedData)

	i := 0
	for i < len(order) {
		stage := order[i]
		tc.CurrentStage = stage

		if stage == StageRefinement {
			// The refinement stage runs only through the explicit back-edge
			// below (runRefinementStage); a linear walk past validation
			// lands here and skips it.
			i++
			continue
		}

		start := time.Now()
		resp, err := invokeStage(ctx, descriptor, stage, tc, opts.StageTimeout)
		elapsed := time.Since(start).Milliseconds()
		tc.Logs = append(tc.Logs, LogRecord{Stage: stage, Event: "exit", Ms: elapsed})

		if err != nil {
			return Result{
				OK: false, Context: tc, Logs: tc.Logs,
				FailedStage: stage, RefinementAttempts: tc.RefinementAttempts,
				Error: pipeerr.Stage(stage, err),
			}
		}
		mergeResponse(tc, resp)
		tc.PreviousStage = stage

		if stage == StageValidation && truthy(tc.Flags["needsRefinement"]) {
			if tc.RefinementAttempts >= maxRefine {
				return Result{
					OK: false, Context: tc, Logs: tc.Logs,
					FailedStage: StageValidation, RefinementAttempts: tc.RefinementAttempts,
					Error: pipeerr.RefinementExhausted(fmt.Errorf("exhausted %d refinement attempts", maxRefine)),
				}
			}
			tc.RefinementAttempts++
			if err := runRefinementStage(ctx, descriptor, tc, opts.StageTimeout); err != nil {
				return Result{
					OK: false, Context: tc, Logs: tc.Logs,
					FailedStage: StageRefinement, RefinementAttempts: tc.RefinementAttempts,
					Error: pipeerr.Stage(StageRefinement, err),
				}
			}
			tc.Flags["needsRefinement"] = false
			i = indexOf(StagePromptAssembly)
			continue
		}

		i++
	}

	return Result{OK: true, Context: tc, Logs: tc.Logs, RefinementAttempts: tc.RefinementAttempts}
}

func runRefinementStage(ctx context.Context, descriptor taskregistry.Descriptor, tc *Context, timeout time.Duration) error {
	tc.CurrentStage = StageRefinement
	start := time.Now()
	resp, err := invokeStage(ctx, descriptor, StageRefinement, tc, timeout)
	tc.Logs = append(tc.Logs, LogRecord{Stage: StageRefinement, Event: "exit", Ms: time.Since(start).Milliseconds()})
	if err != nil {
		return err
	}
	mergeResponse(tc, resp)
	tc.PreviousStage = StageRefinement
	return nil
}

func invokeStage(ctx context.Context, descriptor taskregistry.Descriptor, stage string, tc *Context, timeout time.Duration) (*taskproc.Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req := taskproc.Request{Stage: stage, Context: contextToMap(tc)}
	return taskproc.Invoke(callCtx, descriptor, req)
}

func contextToMap(tc *Context) map[string]any {
	return map[string]any{
		"data":               tc.Data,
		"flags":              tc.Flags,
		"previousStage":      tc.PreviousStage,
		"currentStage":       tc.CurrentStage,
		"output":             tc.Output,
		"refinementAttempts": tc.RefinementAttempts,
	}
}

func mergeResponse(tc *Context, resp *taskproc.Response) {
	if resp == nil || resp.Context == nil {
		return
	}
	if v, ok := resp.Context["data"].(map[string]any); ok {
		tc.Data = v
	}
	if v, ok := resp.Context["flags"].(map[string]any); ok {
		tc.Flags = v
	}
	if v, ok := resp.Context["output"].(map[string]any); ok {
		tc.Output = v
	}
}

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func indexOf(stage string) int {
	for i, s := range order {
		if s == stage {
			return i
		}
	}
	return -1
}
