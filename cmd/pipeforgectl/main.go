// Command pipeforgectl is the operator CLI over the reader/aggregator and
// the lifecycle manager's stop signal (SPEC_FULL.md §D) — the only
// "operator request" channel this system has, since an HTTP/SSE server is
// out of scope by spec.md §1.
package main

import (
	"fmt"
	"os"

	"github.com/pipeforge/pipeforge/cmd/pipeforgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
