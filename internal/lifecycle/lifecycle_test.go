package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/pipelinedef"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
)

type fakePipelines map[string]*pipelinedef.Definition

func (f fakePipelines) Load(slug string) (*pipelinedef.Definition, error) {
	d, ok := f[slug]
	if !ok {
		return nil, &pipelinedef.ValidationError{Reasons: []string{"unknown pipeline " + slug}}
	}
	return d, nil
}

func (f fakePipelines) HasPipeline(slug string) bool {
	_, ok := f[slug]
	return ok
}

func newTestManager(t *testing.T, dataRoot string) *Manager {
	t.Helper()
	pipelines := fakePipelines{"p1": &pipelinedef.Definition{Name: "p1", Tasks: []string{"alpha", "beta"}}}
	m, err := New(Options{
		DataRoot:     dataRoot,
		Pipelines:    pipelines,
		Writer:       statuswriter.New(nil, nil),
		RunnerBinary: "/bin/true",
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewAcquiresLockExclusively(t *testing.T) {
	root := t.TempDir()
	m1 := newTestManager(t, root)
	_ = m1

	pipelines := fakePipelines{}
	_, err := New(Options{DataRoot: root, Pipelines: pipelines})
	if err == nil {
		t.Fatal("expected second Manager to fail acquiring the lock")
	}
}

func TestPromoteValidSeed(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	bkts := paths.Resolve(root)
	if err := os.MkdirAll(bkts.Pending, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(bkts.Current, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	seedPath := filepath.Join(bkts.Pending, "job1-seed.json")
	seedBody := `{"name":"s1","data":{"x":1},"pipeline":"p1"}`
	if err := os.WriteFile(seedPath, []byte(seedBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	jobID, err := m.promote("job1-seed.json")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if jobID != "job1" {
		t.Errorf("jobID = %q, want job1", jobID)
	}

	jobDir := paths.JobDir(root, paths.Current, "job1")
	if _, err := os.Stat(filepath.Join(jobDir, "seed.json")); err != nil {
		t.Errorf("seed.json missing in job dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "pipeline.json")); err != nil {
		t.Errorf("pipeline.json missing in job dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "job.json")); err != nil {
		t.Errorf("job.json missing in job dir: %v", err)
	}
	statusData, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		t.Fatalf("ReadFile status: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal(statusData, &status); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	tasks, _ := status["tasks"].(map[string]any)
	if len(tasks) != 2 {
		t.Errorf("tasks = %v, want 2 entries", tasks)
	}
}

func TestPromoteCopiesUploadArtifacts(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	bkts := paths.Resolve(root)
	if err := os.MkdirAll(bkts.Pending, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(bkts.Current, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	seedPath := filepath.Join(bkts.Pending, "job4-seed.json")
	seedBody := `{"name":"s4","data":{"x":1},"pipeline":"p1"}`
	if err := os.WriteFile(seedPath, []byte(seedBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	uploadsDir := filepath.Join(bkts.Pending, "job4-uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll uploads: %v", err)
	}
	if err := os.WriteFile(filepath.Join(uploadsDir, "diagram.png"), []byte("binary"), 0o644); err != nil {
		t.Fatalf("WriteFile upload: %v", err)
	}

	jobID, err := m.promote("job4-seed.json")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	jobDir := paths.JobDir(root, paths.Current, jobID)
	got, err := os.ReadFile(filepath.Join(jobDir, "files", "artifacts", "diagram.png"))
	if err != nil {
		t.Fatalf("reading copied artifact: %v", err)
	}
	if string(got) != "binary" {
		t.Errorf("artifact contents = %q, want %q", got, "binary")
	}
	if _, err := os.Stat(uploadsDir); !os.IsNotExist(err) {
		t.Errorf("expected uploads directory to be consumed, stat err = %v", err)
	}

	statusData, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		t.Fatalf("ReadFile status: %v", err)
	}
	doc, err := statusdoc.Parse(statusData)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	jf := doc.JobFiles()
	if len(jf.Artifacts) != 1 || jf.Artifacts[0] != "diagram.png" {
		t.Errorf("job files.artifacts = %v", jf.Artifacts)
	}
}

func TestPromoteInvalidSeedRejected(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	bkts := paths.Resolve(root)
	if err := os.MkdirAll(bkts.Pending, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.MkdirAll(bkts.Rejected, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	seedPath := filepath.Join(bkts.Pending, "job2-seed.json")
	if err := os.WriteFile(seedPath, []byte(`{"name":"s2","data":{},"pipeline":"ghost"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	jobID, err := m.promote("job2-seed.json")
	if err != nil {
		t.Fatalf("promote should handle rejection without error, got %v", err)
	}
	if jobID != "" {
		t.Errorf("jobID = %q, want empty (rejected)", jobID)
	}

	if _, err := os.Stat(filepath.Join(bkts.Rejected, "job2-seed.json")); err != nil {
		t.Errorf("rejected seed missing: %v", err)
	}
	if _, err := os.Stat(paths.RejectReasonPath(root, "job2")); err != nil {
		t.Errorf("reject reason file missing: %v", err)
	}
}

func TestReapStaleRunnersFailsOrphanedRunningTask(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	m.staleAfter = 10 * time.Millisecond
	bkts := paths.Resolve(root)
	jobDir := filepath.Join(bkts.Current, "job3")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// runner.pid names a pid above the kernel's pid limit, so no such process exists.
	if err := os.WriteFile(filepath.Join(jobDir, "runner.pid"), []byte("999999999"), 0o644); err != nil {
		t.Fatalf("WriteFile pid: %v", err)
	}
	stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	status := `{"id":"job3","state":"running","lastUpdated":"` + stale + `","tasks":{"alpha":{"state":"running"}}}`
	if err := os.WriteFile(filepath.Join(jobDir, "tasks-status.json"), []byte(status), 0o644); err != nil {
		t.Fatalf("WriteFile status: %v", err)
	}

	m.reapStaleRunners()

	data, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	doc, err := statusdoc.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr, ok := doc.Task("alpha")
	if !ok || tr.State != statusdoc.TaskFailed || tr.FailedStage != "runner_died" {
		t.Errorf("task alpha = %+v, want failed/runner_died", tr)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
