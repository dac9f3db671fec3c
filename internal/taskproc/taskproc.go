// Package taskproc invokes one task-registry descriptor as a subprocess for
// a single stage call, framing the stage context as JSON over stdin and
// reading the replacement context back as JSON over stdout. Cancellation
// escalates SIGTERM then SIGKILL to the child's process group, grounded on
// the pack's subprocess-lifecycle pattern for graceful-then-forceful
// shutdown.
package taskproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/pipeforge/pipeforge/internal/pipeerr"
	"github.com/pipeforge/pipeforge/internal/taskregistry"
)

// Request is what gets marshaled to the child's stdin for one stage call.
type Request struct {
	Stage   string         `json:"stage"`
	Context map[string]any `json:"context"`
}

// Response is what the child is expected to write to stdout.
type Response struct {
	Context map[string]any `json:"context"`
	Error   string         `json:"error,omitempty"`
}

// killGracePeriod is how long to wait after SIGTERM before escalating to
// SIGKILL once the parent context is done.
const killGracePeriod = 5 * time.Second

// Invoke runs descriptor's binary once for a single stage call, writing req
// to its stdin and decoding Response from its stdout. If ctx is cancelled
// (or times out) before the child exits, SIGTERM is sent to the child's
// process group; if it has not exited after killGracePeriod, SIGKILL follows.
func Invoke(ctx context.Context, descriptor taskregistry.Descriptor, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pipeerr.TaskProcess("marshaling stage request", err)
	}

	cmd := exec.Command(descriptor.Binary, descriptor.Args...)
	cmd.SysProcAttr = processGroupAttr()
	cmd.Stdin = bytes.NewReader(payload)
	for k, v := range descriptor.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, pipeerr.TaskProcess(fmt.Sprintf("starting %s for stage %s", descriptor.Binary, req.Stage), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, pipeerr.TaskProcess(fmt.Sprintf("%s exited abnormally for stage %s: %s", descriptor.Binary, req.Stage, stderr.String()), err)
		}
	case <-ctx.Done():
		terminate(cmd)
		select {
		case <-done:
		case <-time.After(killGracePeriod):
			forceKill(cmd)
			<-done
		}
		return nil, pipeerr.TaskProcess(fmt.Sprintf("stage %s cancelled: %v", req.Stage, ctx.Err()), ctx.Err())
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, pipeerr.TaskProcess(fmt.Sprintf("decoding stage response for %s: stderr=%q", req.Stage, stderr.String()), err)
	}
	if resp.Error != "" {
		return &resp, pipeerr.Stage(req.Stage, fmt.Errorf("%s", resp.Error))
	}
	return &resp, nil
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func forceKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
