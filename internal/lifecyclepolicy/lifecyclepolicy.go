// Package lifecyclepolicy is the pure decision function spec.md §4.8
// describes: given an operation and a task's current state, decide whether
// the transition is legal. It has no side effects and touches no I/O;
// callers translate a rejection into a structured lifecycle error.
package lifecyclepolicy

import "github.com/pipeforge/pipeforge/internal/statusdoc"

// Op names one of the five lifecycle operations this policy governs.
type Op string

const (
	OpStart   Op = "start"
	OpRestart Op = "restart"
	OpReset   Op = "reset"
	OpPause   Op = "pause"
	OpResume  Op = "resume"
)

// Request bundles the inputs to a single decision.
type Request struct {
	Op                Op
	TaskState         string
	DependenciesReady bool
}

// Decision is the outcome of a Decide call.
type Decision struct {
	OK     bool
	Reason string
}

// Decide evaluates req against the closed transition table spec.md §4.8
// names. It never errors; an unrecognized Op is rejected with reason
// "unknown_op" rather than panicking.
func Decide(req Request) Decision {
	switch req.Op {
	case OpStart:
		return decideStart(req)
	case OpRestart:
		return decideRestart(req)
	case OpReset:
		return Decision{OK: true}
	case OpPause:
		return decidePause(req)
	case OpResume:
		return decideResume(req)
	default:
		return Decision{OK: false, Reason: "unknown_op"}
	}
}

func decideStart(req Request) Decision {
	switch req.TaskState {
	case statusdoc.TaskPending:
		if !req.DependenciesReady {
			return Decision{OK: false, Reason: "dependencies_not_ready"}
		}
		return Decision{OK: true}
	case statusdoc.TaskRunning:
		return Decision{OK: false, Reason: "already_running"}
	case statusdoc.TaskDone:
		return Decision{OK: false, Reason: "already_done"}
	case statusdoc.TaskFailed:
		return Decision{OK: false, Reason: "already_failed"}
	default:
		return Decision{OK: false, Reason: "dependencies_not_ready"}
	}
}

func decideRestart(req Request) Decision {
	switch req.TaskState {
	case statusdoc.TaskDone, statusdoc.TaskFailed:
		return Decision{OK: true}
	default:
		return Decision{OK: false, Reason: "never_started"}
	}
}

func decidePause(req Request) Decision {
	if req.TaskState == statusdoc.TaskRunning {
		return Decision{OK: true}
	}
	return Decision{OK: false, Reason: "not_running"}
}

func decideResume(req Request) Decision {
	if req.TaskState == statusdoc.TaskPending {
		return Decision{OK: true}
	}
	return Decision{OK: false, Reason: "not_paused"}
}
