package lifecyclepolicy

import (
	"testing"

	"github.com/pipeforge/pipeforge/internal/statusdoc"
)

func TestDecideStartAlreadyRunning(t *testing.T) {
	d := Decide(Request{Op: OpStart, TaskState: statusdoc.TaskRunning, DependenciesReady: true})
	if d.OK || d.Reason != "already_running" {
		t.Errorf("got %+v", d)
	}
}

func TestDecideStartDependenciesNotReady(t *testing.T) {
	d := Decide(Request{Op: OpStart, TaskState: statusdoc.TaskPending, DependenciesReady: false})
	if d.OK || d.Reason != "dependencies_not_ready" {
		t.Errorf("got %+v", d)
	}
}

func TestDecideStartOK(t *testing.T) {
	d := Decide(Request{Op: OpStart, TaskState: statusdoc.TaskPending, DependenciesReady: true})
	if !d.OK {
		t.Errorf("got %+v", d)
	}
}

func TestDecideRestartNeverStarted(t *testing.T) {
	d := Decide(Request{Op: OpRestart, TaskState: statusdoc.TaskPending})
	if d.OK || d.Reason != "never_started" {
		t.Errorf("got %+v", d)
	}
}

func TestDecideRestartOK(t *testing.T) {
	for _, state := range []string{statusdoc.TaskDone, statusdoc.TaskFailed} {
		d := Decide(Request{Op: OpRestart, TaskState: state})
		if !d.OK {
			t.Errorf("state %s: got %+v", state, d)
		}
	}
}

func TestDecideResetAlwaysOK(t *testing.T) {
	d := Decide(Request{Op: OpReset, TaskState: statusdoc.TaskRunning})
	if !d.OK {
		t.Errorf("got %+v", d)
	}
}

func TestDecidePause(t *testing.T) {
	if d := Decide(Request{Op: OpPause, TaskState: statusdoc.TaskRunning}); !d.OK {
		t.Errorf("running should pause ok, got %+v", d)
	}
	if d := Decide(Request{Op: OpPause, TaskState: statusdoc.TaskPending}); d.OK || d.Reason != "not_running" {
		t.Errorf("pending should reject pause, got %+v", d)
	}
}

func TestDecideResume(t *testing.T) {
	if d := Decide(Request{Op: OpResume, TaskState: statusdoc.TaskPending}); !d.OK {
		t.Errorf("pending should resume ok, got %+v", d)
	}
	if d := Decide(Request{Op: OpResume, TaskState: statusdoc.TaskRunning}); d.OK {
		t.Errorf("running should reject resume, got %+v", d)
	}
}
