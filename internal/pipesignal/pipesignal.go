// Package pipesignal turns SIGINT/SIGTERM into context cancellation for the
// runner and lifecycle-manager processes, grounded on the pack's CLI signal
// handler pattern. Exit codes follow spec.md §6: 130 on interrupt, 143 on
// terminate.
package pipesignal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

const (
	ExitOK        = 0
	ExitTaskError = 1
	ExitInterrupt = 130
	ExitTerminate = 143
)

// WithCancel returns a context cancelled on SIGINT or SIGTERM, and a
// function reporting which signal (if any) triggered the cancellation so
// the caller can choose the matching exit code.
func WithCancel(parent context.Context) (ctx context.Context, exitCode func() int, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	received := make(chan os.Signal, 1)
	go func() {
		select {
		case sig := <-sigCh:
			received <- sig
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	exitCode = func() int {
		select {
		case sig := <-received:
			if sig == syscall.SIGTERM {
				return ExitTerminate
			}
			return ExitInterrupt
		default:
			return ExitOK
		}
	}
	return ctx, exitCode, cancel
}
