package stagerunner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pipeforge/pipeforge/internal/taskregistry"
)

// writeFakeTask writes a shell script that behaves like a task-registry
// binary: for stage "validation" it reads a counter file under countDir and
// sets needsRefinement=true until attempts reaches wantRefinements, then
// reports success; every other stage replies with the fixed output
// {"result":"ok"} and leaves data and flags as they were.
func writeFakeTask(t *testing.T, countDir string, wantRefinements int) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake-task.sh")
	body := `#!/bin/sh
set -e
input=$(cat)
stage=$(printf '%s' "$input" | grep -o '"stage":"[^"]*"' | head -1 | cut -d'"' -f4)
counter="` + countDir + `/attempts"
if [ ! -f "$counter" ]; then echo 0 > "$counter"; fi
n=$(cat "$counter")
if [ "$stage" = "validation" ]; then
  if [ "$n" -lt ` + strconv.Itoa(wantRefinements) + ` ]; then
    echo $((n+1)) > "$counter"
    echo '{"context":{"flags":{"needsRefinement":true}}}'
  else
    echo '{"context":{"flags":{"needsRefinement":false}}}'
  fi
else
  echo '{"context":{"output":{"result":"ok"}}}'
fi
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return script
}

func TestRunHappyPath(t *testing.T) {
	countDir := t.TempDir()
	script := writeFakeTask(t, countDir, 0)
	d := taskregistry.Descriptor{Binary: script}

	res := Run(context.Background(), d, map[string]any{"x": 1}, Options{})
	if !res.OK {
		t.Fatalf("expected success, got %+v (err=%v)", res, res.Error)
	}
	if res.RefinementAttempts != 0 {
		t.Errorf("refinementAttempts = %d, want 0", res.RefinementAttempts)
	}
}

func TestRunRefinesThenSucceeds(t *testing.T) {
	countDir := t.TempDir()
	script := writeFakeTask(t, countDir, 2)
	d := taskregistry.Descriptor{Binary: script}

	res := Run(context.Background(), d, map[string]any{}, Options{MaxRefinementAttempts: 2})
	if !res.OK {
		t.Fatalf("expected eventual success, got %+v (err=%v)", res, res.Error)
	}
	if res.RefinementAttempts != 2 {
		t.Errorf("refinementAttempts = %d, want 2", res.RefinementAttempts)
	}
}

func TestRunExhaustsRefinementBudget(t *testing.T) {
	countDir := t.TempDir()
	script := writeFakeTask(t, countDir, 5)
	d := taskregistry.Descriptor{Binary: script}

	res := Run(context.Background(), d, map[string]any{}, Options{MaxRefinementAttempts: 2})
	if res.OK {
		t.Fatal("expected failure after exhausting refinement budget")
	}
	if res.FailedStage != StageValidation {
		t.Errorf("failedStage = %s, want validation", res.FailedStage)
	}
	if res.RefinementAttempts != 2 {
		t.Errorf("refinementAttempts = %d, want 2", res.RefinementAttempts)
	}
}

func TestRunStageFailureSetsFailedStage(t *testing.T) {
	script := filepath.Join(t.TempDir(), "broken-task.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d := taskregistry.Descriptor{Binary: script}

	res := Run(context.Background(), d, map[string]any{}, Options{})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailedStage != StageIngestion {
		t.Errorf("failedStage = %s, want ingestion (first stage)", res.FailedStage)
	}
}
