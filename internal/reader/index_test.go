package reader

import (
	"path/filepath"
	"testing"

	"github.com/pipeforge/pipeforge/internal/paths"
)

func TestIndexRebuildAndAggregate(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, paths.Current, "running-job", "running", "2026-01-02T00:00:00Z")
	writeJob(t, root, paths.Complete, "done-job", "complete", "2026-01-01T00:00:00Z")

	idx, err := OpenIndex(filepath.Join(root, "jobs.idx.sqlite"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Rebuild(root); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	summaries, err := idx.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("len = %d, want 2", len(summaries))
	}
	if summaries[0].ID != "running-job" {
		t.Errorf("summaries[0].ID = %q, want running-job (running outranks complete)", summaries[0].ID)
	}
}

func TestIndexRebuildIfStaleDetectsNewJob(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, paths.Current, "job1", "running", "2026-01-01T00:00:00Z")

	idx, err := OpenIndex(filepath.Join(root, "jobs.idx.sqlite"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.RebuildIfStale(root); err != nil {
		t.Fatalf("RebuildIfStale: %v", err)
	}
	summaries, err := idx.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len = %d, want 1", len(summaries))
	}

	writeJob(t, root, paths.Current, "job2", "pending", "2026-01-02T00:00:00Z")
	if err := idx.RebuildIfStale(root); err != nil {
		t.Fatalf("RebuildIfStale: %v", err)
	}
	summaries, err = idx.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("len = %d, want 2 after adding job2", len(summaries))
	}
}
