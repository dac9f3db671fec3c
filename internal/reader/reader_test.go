package reader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeforge/pipeforge/internal/paths"
)

func writeJob(t *testing.T, dataRoot string, bucket paths.Bucket, jobID, state, createdAt string) {
	t.Helper()
	jobDir := paths.JobDir(dataRoot, bucket, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	status := `{"id":"` + jobID + `","state":"` + state + `","lastUpdated":"2026-01-01T00:00:00Z","tasks":{}}`
	if err := os.WriteFile(filepath.Join(jobDir, "tasks-status.json"), []byte(status), 0o644); err != nil {
		t.Fatalf("WriteFile status: %v", err)
	}
	meta := `{"id":"` + jobID + `","createdAt":"` + createdAt + `"}`
	if err := os.WriteFile(filepath.Join(jobDir, "job.json"), []byte(meta), 0o644); err != nil {
		t.Fatalf("WriteFile meta: %v", err)
	}
}

func TestListJobsSkipsHiddenAndNonDirEntries(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, paths.Current, "job1", "running", "2026-01-01T00:00:00Z")
	bkts := paths.Resolve(root)
	if err := os.WriteFile(filepath.Join(bkts.Current, ".DS_Store"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bkts.Current, "stray-file.json"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := ListJobs(root, paths.Current)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job1" {
		t.Errorf("ids = %v, want [job1]", ids)
	}
}

func TestListJobsMissingBucketReturnsEmpty(t *testing.T) {
	ids, err := ListJobs(t.TempDir(), paths.Current)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want empty", ids)
	}
}

func TestReadJobSearchesCurrentThenComplete(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, paths.Complete, "job1", "complete", "2026-01-01T00:00:00Z")

	rec, err := ReadJob(root, "job1", "")
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if rec.Bucket != paths.Complete {
		t.Errorf("Bucket = %s, want complete", rec.Bucket)
	}

	writeJob(t, root, paths.Current, "job1", "running", "2026-01-02T00:00:00Z")
	rec, err = ReadJob(root, "job1", "")
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if rec.Bucket != paths.Current {
		t.Errorf("Bucket = %s, want current (should search current first)", rec.Bucket)
	}
}

func TestReadJobUnknownReturnsError(t *testing.T) {
	if _, err := ReadJob(t.TempDir(), "ghost", ""); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestAggregateJobsCurrentWinsAndSortsByPriority(t *testing.T) {
	current := []JobSummary{
		{ID: "b", State: "running", CreatedAt: "2026-01-02T00:00:00Z"},
		{ID: "a", State: "failed", CreatedAt: "2026-01-01T00:00:00Z"},
	}
	complete := []JobSummary{
		{ID: "a", State: "complete", CreatedAt: "2026-01-01T00:00:00Z"}, // superseded by current
		{ID: "c", State: "complete", CreatedAt: "2026-01-03T00:00:00Z"},
		{ID: "d", State: "pending", CreatedAt: "2026-01-04T00:00:00Z"},
	}

	out := AggregateJobs(current, complete)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}

	order := make([]string, len(out))
	for i, s := range out {
		order[i] = s.ID
	}
	// running(b) > failed(a) > pending(d) > complete(c)
	want := []string{"b", "a", "d", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}

	for _, s := range out {
		if s.ID == "a" && s.State != "failed" {
			t.Errorf("job a state = %s, want failed (current-wins)", s.State)
		}
	}
}

func TestTailRunsReturnsLastNLines(t *testing.T) {
	root := t.TempDir()
	bkts := paths.Resolve(root)
	if err := os.MkdirAll(bkts.Complete, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(bkts.Complete, "runs.jsonl")
	body := `{"id":"j1"}` + "\n" + `{"id":"j2"}` + "\n" + `{"id":"j3"}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := TailRuns(root, 2)
	if err != nil {
		t.Fatalf("TailRuns: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0]["id"] != "j2" || out[1]["id"] != "j3" {
		t.Errorf("out = %v, want [j2, j3]", out)
	}
}

func TestTailRunsMissingFile(t *testing.T) {
	out, err := TailRuns(t.TempDir(), 5)
	if err != nil {
		t.Fatalf("TailRuns: %v", err)
	}
	if out != nil {
		t.Errorf("out = %v, want nil", out)
	}
}
