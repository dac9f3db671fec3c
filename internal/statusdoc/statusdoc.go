// Package statusdoc defines the shape of tasks-status.json (spec.md §3) and
// the normalization routine that enforces its invariants after every
// mutation. The document is modeled as a free-form map with a closed set of
// known fields tagged out for validation/coercion — everything else passes
// through untouched, so unknown root or task fields survive a round trip
// (spec.md §4.3 "Field preservation", Testable Property 2).
package statusdoc

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Task states (spec.md §3).
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Job states (spec.md §3).
const (
	JobPending  = "pending"
	JobRunning  = "running"
	JobComplete = "complete"
	JobFailed   = "failed"
)

// TaskRecord is the known shape of one entry in the tasks map. Fields not
// listed here that a caller stashes into the raw map survive untouched.
type TaskRecord struct {
	State               string         `json:"state"`
	Attempts            int            `json:"attempts"`
	RefinementAttempts  int            `json:"refinementAttempts"`
	StartedAt           string         `json:"startedAt,omitempty"`
	EndedAt             string         `json:"endedAt,omitempty"`
	CurrentStage        string         `json:"currentStage,omitempty"`
	FailedStage         string         `json:"failedStage,omitempty"`
	Error               map[string]any `json:"error,omitempty"`
	ExecutionTimeMs     int64          `json:"executionTimeMs,omitempty"`
	Files               FileLists      `json:"files,omitempty"`
}

// FileLists is the de-duplicated, ordered list of output filenames tracked
// per-job and per-task, one slice per kind.
type FileLists struct {
	Artifacts []string `json:"artifacts"`
	Logs      []string `json:"logs"`
	Tmp       []string `json:"tmp"`
}

func newFileLists() FileLists {
	return FileLists{Artifacts: []string{}, Logs: []string{}, Tmp: []string{}}
}

// Document is the normalized, round-trippable status document. Raw holds
// the full free-form tree (including every unknown field); typed views such
// as Task and JobFiles decode from Raw on each call, and Normalize keeps
// the known fields in Raw consistent.
type Document struct {
	Raw map[string]any
}

// rootKnownFields lists the root keys Normalize owns; anything else in Raw
// is preserved verbatim.
var rootKnownFields = map[string]bool{
	"id": true, "state": true, "current": true, "currentStage": true,
	"progress": true, "lastUpdated": true, "tasks": true, "files": true,
}

// Default returns a brand-new document with state=pending, no tasks, and
// empty file lists, matching spec.md §4.3 "Default shape".
func Default(jobID string) *Document {
	d := &Document{Raw: map[string]any{
		"id":           jobID,
		"state":        JobPending,
		"current":      nil,
		"currentStage": nil,
		"progress":     0,
		"lastUpdated":  nowISO(),
		"tasks":        map[string]any{},
		"files":        filesMap(newFileLists()),
	}}
	return d
}

// Parse decodes raw JSON bytes into a Document, returning (nil, err) on a
// parse failure so the caller can fall back to Default per spec.md §4.3.
func Parse(data []byte) (*Document, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &Document{Raw: m}, nil
}

// Marshal serializes the document's raw tree back to JSON.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d.Raw)
}

// Tasks returns the raw tasks map, creating it if absent.
func (d *Document) Tasks() map[string]any {
	t, _ := d.Raw["tasks"].(map[string]any)
	if t == nil {
		t = map[string]any{}
		d.Raw["tasks"] = t
	}
	return t
}

// Task returns the decoded TaskRecord for name and whether it existed.
func (d *Document) Task(name string) (TaskRecord, bool) {
	raw, ok := d.Tasks()[name]
	if !ok {
		return TaskRecord{}, false
	}
	b, _ := json.Marshal(raw)
	var tr TaskRecord
	_ = json.Unmarshal(b, &tr)
	return tr, true
}

// SetTask replaces the stored record for name. Unknown fields previously on
// the raw task map (not part of TaskRecord) are preserved by merging rather
// than overwriting wholesale.
func (d *Document) SetTask(name string, tr TaskRecord) {
	tasks := d.Tasks()
	existing, _ := tasks[name].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	// TaskRecord owns its known keys: drop them first so a zero value that
	// omitempty leaves out of the encoding clears the stored one.
	for _, k := range []string{"state", "attempts", "refinementAttempts", "startedAt", "endedAt", "currentStage", "failedStage", "error", "executionTimeMs", "files"} {
		delete(existing, k)
	}
	b, _ := json.Marshal(tr)
	var known map[string]any
	_ = json.Unmarshal(b, &known)
	for k, v := range known {
		existing[k] = v
	}
	tasks[name] = existing
}

// filesMapView reads the files.{kind} arrays out of any free-form map[string]any.
func filesMapView(m map[string]any) FileLists {
	fl := newFileLists()
	raw, _ := m["files"].(map[string]any)
	if raw == nil {
		return fl
	}
	fl.Artifacts = stringSlice(raw["artifacts"])
	fl.Logs = stringSlice(raw["logs"])
	fl.Tmp = stringSlice(raw["tmp"])
	return fl
}

func stringSlice(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func filesMap(fl FileLists) map[string]any {
	toAny := func(ss []string) []any {
		out := make([]any, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out
	}
	return map[string]any{
		"artifacts": toAny(fl.Artifacts),
		"logs":      toAny(fl.Logs),
		"tmp":       toAny(fl.Tmp),
	}
}

// JobFiles returns the job-scoped files lists.
func (d *Document) JobFiles() FileLists {
	return filesMapView(d.Raw)
}

// SetJobFiles replaces the job-scoped files lists.
func (d *Document) SetJobFiles(fl FileLists) {
	d.Raw["files"] = filesMap(fl)
}

// AppendFile appends name to kind's list (job-scoped, and task-scoped for
// taskName if non-empty), de-duplicating case-sensitively per spec.md §9's
// documented resolution of the case-sensitivity open question.
func (d *Document) AppendFile(taskName string, kind string, name string) {
	jf := d.JobFiles()
	appendKind(&jf, kind, name)
	d.SetJobFiles(jf)

	if taskName == "" {
		return
	}
	tr, _ := d.Task(taskName)
	appendKind(&tr.Files, kind, name)
	d.SetTask(taskName, tr)
}

func appendKind(fl *FileLists, kind, name string) {
	switch kind {
	case "artifacts":
		fl.Artifacts = appendDedup(fl.Artifacts, name)
	case "logs":
		fl.Logs = appendDedup(fl.Logs, name)
	case "tmp":
		fl.Tmp = appendDedup(fl.Tmp, name)
	}
}

func appendDedup(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

// Normalize recomputes every invariant spec.md §3 requires:
//   - state reflects the aggregate of task states
//   - currentStage is non-nil iff some task is running
//   - progress = round(100 * done / total), 0 if no tasks
//   - every file in a task's files.{kind} also appears job-scoped
//
// It never strips unknown fields; it only coerces the closed set of known
// root/task fields into a valid shape.
func (d *Document) Normalize() {
	if d.Raw == nil {
		d.Raw = map[string]any{}
	}
	tasks := d.Tasks()

	// Ensure job-scoped files superset of all task-scoped files.
	jf := d.JobFiles()
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic merge order
	for _, name := range names {
		tr, _ := d.Task(name)
		for _, f := range tr.Files.Artifacts {
			appendKind(&jf, "artifacts", f)
		}
		for _, f := range tr.Files.Logs {
			appendKind(&jf, "logs", f)
		}
		for _, f := range tr.Files.Tmp {
			appendKind(&jf, "tmp", f)
		}
	}
	d.SetJobFiles(jf)

	total := len(tasks)
	done, running, failed := 0, 0, 0
	var runningTask, runningStage string
	for _, name := range names {
		tr, _ := d.Task(name)
		switch tr.State {
		case TaskDone:
			done++
		case TaskRunning:
			running++
			runningTask = name
			runningStage = tr.CurrentStage
		case TaskFailed:
			failed++
		}
	}

	state := JobPending
	switch {
	case failed > 0:
		state = JobFailed
	case running > 0:
		state = JobRunning
	case total > 0 && done == total:
		state = JobComplete
	}
	d.Raw["state"] = state

	if running > 0 {
		d.Raw["current"] = runningTask
		d.Raw["currentStage"] = runningStage
	} else {
		if _, ok := d.Raw["current"]; !ok {
			d.Raw["current"] = nil
		}
		d.Raw["currentStage"] = nil
	}

	progress := 0
	if total > 0 {
		progress = int(math.Round(100 * float64(done) / float64(total)))
	}
	d.Raw["progress"] = progress

	if _, ok := d.Raw["id"]; !ok {
		d.Raw["id"] = ""
	}
}

// Stamp sets lastUpdated to the current time.
func (d *Document) Stamp() {
	d.Raw["lastUpdated"] = nowISO()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// KnownRootField reports whether key is one Normalize owns (used by callers
// that want to check they aren't accidentally clobbering a managed field).
func KnownRootField(key string) bool { return rootKnownFields[key] }
