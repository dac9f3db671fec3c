// Package taskio is the per-task file-IO facade (spec.md §4.4). The
// pipeline runner writes a task's logs and artifacts through it: every
// artifact and log write is mirrored into the job's status document via the
// statuswriter, and every log name is validated against the closed
// event/extension grammar before anything hits disk.
package taskio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pipeforge/pipeforge/internal/fsatomic"
	"github.com/pipeforge/pipeforge/internal/pipeerr"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
)

// Mode selects how a write lands on disk.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

// validEvents is the closed set spec.md §4.4/§6 names for log filenames.
var validEvents = map[string]bool{
	"start": true, "complete": true, "error": true, "context": true,
	"debug": true, "metrics": true, "pipeline-start": true,
	"pipeline-complete": true, "pipeline-error": true,
	"execution-logs": true, "failure-details": true,
}

var validExtensions = map[string]bool{"log": true, "json": true}

// ParseLogName reports whether name matches the grammar
// "{taskName}-{stage}-{event}.{ext}" and, if so, returns its decomposed
// parts. Both taskName and stage may themselves contain hyphens, so the
// event is identified by matching the longest trailing run of hyphenated
// segments against the closed event set.
func ParseLogName(name string) (taskStage, event, ext string, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return "", "", "", false
	}
	base, ext := name[:dot], name[dot+1:]
	if !validExtensions[ext] {
		return "", "", "", false
	}
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return "", "", "", false
	}
	for i := 2; i < len(parts); i++ {
		candidate := strings.Join(parts[i:], "-")
		if validEvents[candidate] {
			return strings.Join(parts[:i], "-"), candidate, ext, true
		}
	}
	return "", "", "", false
}

// IsLogShaped reports whether name matches the log filename grammar.
func IsLogShaped(name string) bool {
	_, _, _, ok := ParseLogName(name)
	return ok
}

// BridgeName is the fixed name of the per-task dependency symlink inside a
// task's isolated working directory (spec.md §4.7 step 5).
const BridgeName = "node_modules"

// ValidateBridge ensures taskDir/node_modules resolves to sharedDeps,
// (re)creating the symlink if it is missing or points somewhere else. An
// empty sharedDeps means the task needs no bridge and this is a no-op. An
// error here means the bridge is unrecoverable and the caller must abort
// the transition (spec.md §4.7 step 5, §4.9 responsibility 5).
func ValidateBridge(taskDir, sharedDeps string) error {
	if strings.TrimSpace(sharedDeps) == "" {
		return nil
	}
	if _, err := os.Stat(sharedDeps); err != nil {
		return pipeerr.IO("shared dependency directory unavailable for symlink repair", err)
	}

	linkPath := filepath.Join(taskDir, BridgeName)
	if target, err := os.Readlink(linkPath); err == nil {
		if target == sharedDeps {
			if _, statErr := os.Stat(linkPath); statErr == nil {
				return nil
			}
		}
		if err := os.Remove(linkPath); err != nil {
			return pipeerr.IO("removing stale dependency symlink", err)
		}
	} else if _, statErr := os.Lstat(linkPath); statErr == nil {
		// Exists but isn't a symlink at all; refuse to clobber it.
		return pipeerr.IO(fmt.Sprintf("%s exists and is not a symlink", linkPath), nil)
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return pipeerr.IO("creating task directory for symlink bridge", err)
	}
	if err := os.Symlink(sharedDeps, linkPath); err != nil {
		return pipeerr.IO("repairing task dependency symlink", err)
	}
	return nil
}

// SweepBridge removes taskDir's dependency symlink, if any, so an archived
// or reset job directory never carries a link that may dangle once the
// shared dependency directory it pointed at is later cleaned up (spec.md
// §4.7 finalization, §4.9 responsibility 5). Absence of the symlink is not
// an error.
func SweepBridge(taskDir string) error {
	linkPath := filepath.Join(taskDir, BridgeName)
	if _, err := os.Lstat(linkPath); err != nil {
		return nil
	}
	if err := os.Remove(linkPath); err != nil {
		return pipeerr.IO("sweeping task dependency symlink", err)
	}
	return nil
}

// FileIO is the per-task facade the pipeline runner uses for a task's
// output files. It is instantiated per task with (workDir, taskName,
// statusPath-owning jobDir, getStage) per spec.md §4.4; stage subprocesses
// do not receive it.
type FileIO struct {
	workDir    string
	taskName   string
	jobDir     string
	writer     *statuswriter.Writer
	getStage   func() string
}

// New constructs a FileIO scoped to one task's execution within jobDir.
// getStage may be nil. FileIO stores it but never calls it, so a log
// name's {stage} component is not checked against the active stage; only
// the event and extension are checked against their closed sets.
func New(workDir, taskName, jobDir string, writer *statuswriter.Writer, getStage func() string) *FileIO {
	return &FileIO{workDir: workDir, taskName: taskName, jobDir: jobDir, writer: writer, getStage: getStage}
}

func (f *FileIO) dir(kind string) string { return filepath.Join(f.workDir, "files", kind) }

// WriteArtifact writes content to files/artifacts/{name} and mirrors name
// into the job-scoped and task-scoped files.artifacts lists.
func (f *FileIO) WriteArtifact(name string, content []byte, mode Mode) error {
	if IsLogShaped(name) {
		return pipeerr.Validation(fmt.Sprintf("artifact name %q must not match the log filename grammar", name), nil)
	}
	return f.writeAndRecord("artifacts", name, content, mode)
}

// WriteLog writes content to files/logs/{name}. name must match
// "{taskName}-{stage}-{event}.{ext}" against the closed event/extension
// sets; non-conforming names are rejected before anything is written.
func (f *FileIO) WriteLog(name string, content []byte, mode Mode) error {
	if !IsLogShaped(name) {
		return pipeerr.Validation(fmt.Sprintf("log name %q does not match {taskName}-{stage}-{event}.{ext}", name), nil)
	}
	return f.writeAndRecord("logs", name, content, mode)
}

// WriteTmp writes content to files/tmp/{name}. Log-shaped names are
// rejected to keep files.logs free of scratch output.
func (f *FileIO) WriteTmp(name string, content []byte, mode Mode) error {
	if IsLogShaped(name) {
		return pipeerr.Validation(fmt.Sprintf("tmp name %q must not match the log filename grammar", name), nil)
	}
	return f.writeAndRecord("tmp", name, content, mode)
}

func (f *FileIO) writeAndRecord(kind, name string, content []byte, mode Mode) error {
	path := filepath.Join(f.dir(kind), name)
	if err := os.MkdirAll(f.dir(kind), 0o755); err != nil {
		return pipeerr.IO("mkdir "+f.dir(kind), err)
	}
	if err := f.writeFile(path, content, mode); err != nil {
		return pipeerr.IO("write "+path, err)
	}
	if f.writer == nil {
		return nil
	}
	return f.writer.Update(f.jobDir, func(doc *statusdoc.Document) error {
		doc.AppendFile(f.taskName, kind, name)
		return nil
	})
}

func (f *FileIO) writeFile(path string, content []byte, mode Mode) error {
	if mode == ModeAppend {
		return fsatomic.AppendLine(path, content)
	}
	return fsatomic.Write(path, content)
}

// ReadArtifact reads files/artifacts/{name} without touching status.
func (f *FileIO) ReadArtifact(name string) ([]byte, error) { return f.read("artifacts", name) }

// ReadLog reads files/logs/{name} without touching status.
func (f *FileIO) ReadLog(name string) ([]byte, error) { return f.read("logs", name) }

// ReadTmp reads files/tmp/{name} without touching status.
func (f *FileIO) ReadTmp(name string) ([]byte, error) { return f.read("tmp", name) }

func (f *FileIO) read(kind, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(f.dir(kind), name))
	if err != nil {
		return nil, pipeerr.IO(fmt.Sprintf("read %s/%s", kind, name), err)
	}
	return b, nil
}
