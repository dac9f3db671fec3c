package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pipeforge/pipeforge/internal/lifecyclepolicy"
	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/pipelinedef"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
	"github.com/pipeforge/pipeforge/internal/taskio"
	"github.com/pipeforge/pipeforge/internal/taskregistry"
)

var jobsRestartCmd = &cobra.Command{
	Use:   "restart <jobId>",
	Short: "Reset a job from a task onward and relaunch its runner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromTask, err := cmd.Flags().GetString("from-task")
		if err != nil {
			return err
		}
		return resetAndRelaunch(args[0], lifecyclepolicy.OpRestart, fromTask)
	},
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset <jobId>",
	Short: "Reset every task of a job back to pending and relaunch its runner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetAndRelaunch(args[0], lifecyclepolicy.OpReset, "")
	},
}

// resetAndRelaunch implements the restart/reset lifecycle operations
// (spec.md §4.8) from outside the running lifecycle manager: a job that
// has already returned to the operator (its runner.pid is gone) can't be
// nudged back to life by the manager's pending-bucket poll loop, since it
// never left current. pipeforgectl owns re-spawning the runner directly,
// the same way lifecycle.Manager.superviseRunner does.
func resetAndRelaunch(jobID string, op lifecyclepolicy.Op, fromTask string) error {
	jobDir := paths.JobDir(dataRoot, paths.Current, jobID)
	if _, err := os.Stat(jobDir); err != nil {
		return fmt.Errorf("job %s is not in the current bucket: %w", jobID, err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "runner.pid")); err == nil {
		return fmt.Errorf("job %s still has a live runner.pid; stop it first", jobID)
	}

	defBytes, err := os.ReadFile(filepath.Join(jobDir, "pipeline.json"))
	if err != nil {
		return fmt.Errorf("reading pipeline.json for %s: %w", jobID, err)
	}
	def, err := pipelinedef.Parse(defBytes)
	if err != nil {
		return fmt.Errorf("parsing pipeline.json for %s: %w", jobID, err)
	}

	statusBytes, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		return fmt.Errorf("reading tasks-status.json for %s: %w", jobID, err)
	}
	doc, err := statusdoc.Parse(statusBytes)
	if err != nil {
		return fmt.Errorf("parsing tasks-status.json for %s: %w", jobID, err)
	}

	if op == lifecyclepolicy.OpRestart {
		if fromTask == "" {
			fromTask = def.Tasks[0]
		}
		tr, _ := doc.Task(fromTask)
		decision := lifecyclepolicy.Decide(lifecyclepolicy.Request{Op: op, TaskState: tr.State})
		if !decision.OK {
			return fmt.Errorf("restart of %s at task %s rejected: %s", jobID, fromTask, decision.Reason)
		}
	}

	// Symlink hygiene before restart (spec.md §4.9 responsibility 5): validate
	// and repair every task's dependency bridge up front, and abort the whole
	// transition before any status-document mutation if one can't be repaired.
	if err := validateJobBridges(jobDir, def); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	writer := statuswriter.New(nil, nil)
	if op == lifecyclepolicy.OpReset {
		if err := writer.ResetJobToCleanSlate(jobDir, def.Tasks, statuswriter.ResetOptions{}); err != nil {
			return fmt.Errorf("resetting job %s: %w", jobID, err)
		}
		fromTask = def.Tasks[0]
	} else {
		if err := writer.ResetJobFromTask(jobDir, def.Tasks, fromTask, statuswriter.ResetOptions{}); err != nil {
			return fmt.Errorf("resetting job %s from %s: %w", jobID, fromTask, err)
		}
	}

	runnerBinary := os.Getenv("RUNNER_BINARY")
	if runnerBinary == "" {
		runnerBinary = "pipeforge-runner"
	}
	runCmd := exec.Command(runnerBinary, jobID)
	runCmd.Env = append(os.Environ(), "DATA_ROOT="+dataRoot, "START_FROM_TASK="+fromTask)
	runCmd.Stdout = os.Stdout
	runCmd.Stderr = os.Stderr
	if err := runCmd.Start(); err != nil {
		return fmt.Errorf("relaunching runner for %s: %w", jobID, err)
	}
	fmt.Printf("relaunched job %s from task %s (pid %d)\n", jobID, fromTask, runCmd.Process.Pid)
	return runCmd.Process.Release()
}

// validateJobBridges loads the task registry (same TASK_REGISTRY convention
// as cmd/pipeforge-runner) and validates/repairs every task's dependency
// symlink bridge, aborting on the first one that can't be repaired.
func validateJobBridges(jobDir string, def *pipelinedef.Definition) error {
	registryPath := os.Getenv("TASK_REGISTRY")
	if registryPath == "" {
		registryPath = "task-registry.yaml"
	}
	registryBytes, err := os.ReadFile(registryPath)
	if err != nil {
		return fmt.Errorf("reading task registry: %w", err)
	}
	registry, err := taskregistry.Load(registryBytes)
	if err != nil {
		return fmt.Errorf("parsing task registry: %w", err)
	}

	for _, taskName := range def.Tasks {
		descriptor, err := registry.Lookup(taskName)
		if err != nil {
			return fmt.Errorf("looking up task %s: %w", taskName, err)
		}
		taskDir := filepath.Join(jobDir, "tasks", taskName)
		if err := taskio.ValidateBridge(taskDir, descriptor.SharedDeps); err != nil {
			return fmt.Errorf("unrepairable symlink bridge for task %s: %w", taskName, err)
		}
	}
	return nil
}

func init() {
	jobsRestartCmd.Flags().String("from-task", "", "task name to restart from (defaults to the pipeline's first task)")
	jobsCmd.AddCommand(jobsRestartCmd, jobsResetCmd)
}
