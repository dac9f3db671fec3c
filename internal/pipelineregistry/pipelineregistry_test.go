package pipelineregistry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidDefinition(t *testing.T) {
	dir := t.TempDir()
	body := `{"name":"p1","tasks":["alpha","beta"]}`
	if err := os.WriteFile(filepath.Join(dir, "p1.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := New(dir)
	if !r.HasPipeline("p1") {
		t.Fatal("HasPipeline(p1) = false, want true")
	}
	d, err := r.Load("p1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(d.Tasks) != 2 {
		t.Errorf("Tasks = %v, want 2 entries", d.Tasks)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := New(t.TempDir())
	if r.HasPipeline("ghost") {
		t.Error("HasPipeline(ghost) = true, want false")
	}
	if _, err := r.Load("ghost"); err == nil {
		t.Error("Load(ghost) err = nil, want error")
	}
}

func TestLoadCachesAfterFirstRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p1.json")
	if err := os.WriteFile(path, []byte(`{"name":"p1","tasks":["a"]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := New(dir)
	if _, err := r.Load("p1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Load("p1"); err != nil {
		t.Errorf("Load after removal should hit cache, got error: %v", err)
	}
}

func TestLoadInvalidDefinitionNotCached(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"name":"","tasks":[]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := New(dir)
	if _, err := r.Load("bad"); err == nil {
		t.Fatal("Load(bad) err = nil, want error")
	}
	if r.HasPipeline("bad") {
		t.Error("HasPipeline(bad) = true, want false")
	}
}
