package taskio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
)

func TestParseLogNameValid(t *testing.T) {
	cases := []struct {
		name       string
		taskStage  string
		event, ext string
	}{
		{"alpha-validation-start.log", "alpha-validation", "start", "log"},
		{"alpha-validation-failure-details.json", "alpha-validation", "failure-details", "json"},
		{"beta-invocation-pipeline-start.log", "beta-invocation", "pipeline-start", "log"},
	}
	for _, c := range cases {
		stage, event, ext, ok := ParseLogName(c.name)
		if !ok {
			t.Errorf("%s: expected valid, got invalid", c.name)
			continue
		}
		if stage != c.taskStage || event != c.event || ext != c.ext {
			t.Errorf("%s: got (%s,%s,%s), want (%s,%s,%s)", c.name, stage, event, ext, c.taskStage, c.event, c.ext)
		}
	}
}

func TestParseLogNameInvalid(t *testing.T) {
	bad := []string{
		"alpha-validation-bogus.log",
		"alpha-validation-start.txt",
		"noextension",
		"justonepart.log",
	}
	for _, name := range bad {
		if _, _, _, ok := ParseLogName(name); ok {
			t.Errorf("%s: expected invalid, got valid", name)
		}
	}
}

func TestWriteArtifactRejectsLogShapedName(t *testing.T) {
	dir := t.TempDir()
	fio := New(dir, "alpha", dir, nil, nil)
	err := fio.WriteArtifact("alpha-validation-start.log", []byte("x"), ModeReplace)
	if err == nil {
		t.Fatal("expected rejection of log-shaped artifact name")
	}
}

func TestWriteLogRejectsNonConformingName(t *testing.T) {
	dir := t.TempDir()
	fio := New(dir, "alpha", dir, nil, nil)
	if err := fio.WriteLog("not-a-log-name.txt", []byte("x"), ModeReplace); err == nil {
		t.Fatal("expected rejection of non-conforming log name")
	}
}

func TestWriteArtifactThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w := statuswriter.New(nil, nil)
	fio := New(dir, "alpha", dir, w, nil)

	if err := fio.WriteArtifact("alpha-output.json", []byte(`{"x":1}`), ModeReplace); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	got, err := fio.ReadArtifact("alpha-output.json")
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Errorf("got %q", got)
	}
}

func TestWriteLogRecordsInStatusDocument(t *testing.T) {
	dir := t.TempDir()
	w := statuswriter.New(nil, nil)
	fio := New(dir, "alpha", dir, w, nil)

	if err := fio.WriteLog("alpha-validation-start.log", []byte("go"), ModeReplace); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tasks-status.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	doc, err := statusdoc.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	jf := doc.JobFiles()
	if len(jf.Logs) != 1 || jf.Logs[0] != "alpha-validation-start.log" {
		t.Fatalf("job files.logs = %v", jf.Logs)
	}
	tr, ok := doc.Task("alpha")
	if !ok {
		t.Fatal("task alpha missing")
	}
	if len(tr.Files.Logs) != 1 || tr.Files.Logs[0] != "alpha-validation-start.log" {
		t.Fatalf("task files.logs = %v", tr.Files.Logs)
	}
}

func TestValidateBridgeNoSharedDepsIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := ValidateBridge(dir, ""); err != nil {
		t.Fatalf("ValidateBridge: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, BridgeName)); err == nil {
		t.Fatal("expected no symlink to be created")
	}
}

func TestValidateBridgeCreatesSymlink(t *testing.T) {
	taskDir := t.TempDir()
	shared := t.TempDir()

	if err := ValidateBridge(taskDir, shared); err != nil {
		t.Fatalf("ValidateBridge: %v", err)
	}
	target, err := os.Readlink(filepath.Join(taskDir, BridgeName))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != shared {
		t.Errorf("target = %q, want %q", target, shared)
	}
}

func TestValidateBridgeRepairsStaleTarget(t *testing.T) {
	taskDir := t.TempDir()
	wrongTarget := t.TempDir()
	rightTarget := t.TempDir()
	if err := os.Symlink(wrongTarget, filepath.Join(taskDir, BridgeName)); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	if err := ValidateBridge(taskDir, rightTarget); err != nil {
		t.Fatalf("ValidateBridge: %v", err)
	}
	target, err := os.Readlink(filepath.Join(taskDir, BridgeName))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != rightTarget {
		t.Errorf("target = %q, want %q", target, rightTarget)
	}
}

func TestValidateBridgeUnrecoverableWhenSharedDepsMissing(t *testing.T) {
	taskDir := t.TempDir()
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	if err := ValidateBridge(taskDir, missing); err == nil {
		t.Fatal("expected error when shared dependency directory is missing")
	}
}

func TestValidateBridgeRefusesToClobberNonSymlink(t *testing.T) {
	taskDir := t.TempDir()
	shared := t.TempDir()
	if err := os.Mkdir(filepath.Join(taskDir, BridgeName), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if err := ValidateBridge(taskDir, shared); err == nil {
		t.Fatal("expected error when bridge path is a real directory, not a symlink")
	}
}

func TestSweepBridgeRemovesSymlink(t *testing.T) {
	taskDir := t.TempDir()
	shared := t.TempDir()
	if err := os.Symlink(shared, filepath.Join(taskDir, BridgeName)); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	if err := SweepBridge(taskDir); err != nil {
		t.Fatalf("SweepBridge: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(taskDir, BridgeName)); err == nil {
		t.Fatal("expected symlink to be removed")
	}
}

func TestSweepBridgeNoopWhenAbsent(t *testing.T) {
	taskDir := t.TempDir()
	if err := SweepBridge(taskDir); err != nil {
		t.Fatalf("SweepBridge: %v", err)
	}
}

func TestWriteTmpRejectsLogShapedName(t *testing.T) {
	dir := t.TempDir()
	fio := New(dir, "alpha", dir, nil, nil)
	if err := fio.WriteTmp("alpha-validation-start.log", []byte("x"), ModeReplace); err == nil {
		t.Fatal("expected rejection of log-shaped tmp name")
	}
}
