// Package reader implements the read-only query surface over the job
// lifecycle buckets (spec.md §4.11): listing job directories, reading a
// single job's status document and metadata, and merging current/complete
// into one sorted view. Every function here is read-only — it never
// mutates the filesystem and never goes through the per-job write queue,
// matching spec.md §5's "Shared resources" guarantee.
package reader

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
)

var jobDirPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ListJobs lists the valid, non-hidden job directories in bucket, tolerant
// of per-entry permission errors (spec.md §4.11).
func ListJobs(dataRoot string, bucket paths.Bucket) ([]string, error) {
	dir := bucketDir(dataRoot, bucket)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			continue
		}
		if !jobDirPattern.MatchString(name) {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(dir, name)); statErr != nil {
			continue // permission error or raced deletion; skip, don't fail the whole list
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func bucketDir(dataRoot string, bucket paths.Bucket) string {
	b := paths.Resolve(dataRoot)
	switch bucket {
	case paths.Current:
		return b.Current
	case paths.Complete:
		return b.Complete
	default:
		return b.Pending
	}
}

// JobRecord is one job's status document plus its job.json metadata, as
// returned by ReadJob.
type JobRecord struct {
	ID     string
	Bucket paths.Bucket
	Status *statusdoc.Document
	Meta   map[string]any
}

// ReadJob reads jobId's status document and metadata. If bucket is empty,
// current is searched before complete (spec.md §4.11).
func ReadJob(dataRoot, jobID string, bucket paths.Bucket) (*JobRecord, error) {
	buckets := []paths.Bucket{bucket}
	if bucket == "" {
		buckets = []paths.Bucket{paths.Current, paths.Complete}
	}

	var lastErr error
	for _, b := range buckets {
		rec, err := readJobFrom(dataRoot, jobID, b)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func readJobFrom(dataRoot, jobID string, bucket paths.Bucket) (*JobRecord, error) {
	jobDir := paths.JobDir(dataRoot, bucket, jobID)
	statusData, err := os.ReadFile(filepath.Join(jobDir, "tasks-status.json"))
	if err != nil {
		return nil, err
	}
	doc, err := statusdoc.Parse(statusData)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{}
	if metaData, err := os.ReadFile(filepath.Join(jobDir, "job.json")); err == nil {
		_ = json.Unmarshal(metaData, &meta)
	}

	return &JobRecord{ID: jobID, Bucket: bucket, Status: doc, Meta: meta}, nil
}

// JobSummary is the sortable projection of a job used by AggregateJobs.
type JobSummary struct {
	ID          string
	Bucket      paths.Bucket
	State       string
	CreatedAt   string
	LastUpdated string
}

// statusPriority ranks job states for the aggregate sort, highest first:
// running > error(failed) > pending > complete (spec.md §4.11).
func statusPriority(state string) int {
	switch state {
	case statusdoc.JobRunning:
		return 0
	case statusdoc.JobFailed:
		return 1
	case statusdoc.JobPending:
		return 2
	case statusdoc.JobComplete:
		return 3
	default:
		return 4
	}
}

// AggregateJobs merges currentList and completeList with current-wins
// precedence on a duplicate jobId, then sorts by
// (statusPriority, createdAt ascending, id ascending).
func AggregateJobs(currentList, completeList []JobSummary) []JobSummary {
	merged := make(map[string]JobSummary, len(currentList)+len(completeList))
	for _, s := range completeList {
		merged[s.ID] = s
	}
	for _, s := range currentList {
		merged[s.ID] = s // current wins
	}

	out := make([]JobSummary, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := statusPriority(out[i].State), statusPriority(out[j].State)
		if pi != pj {
			return pi < pj
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SummarizeJob builds the JobSummary view of a JobRecord.
func SummarizeJob(rec *JobRecord) JobSummary {
	state, _ := rec.Status.Raw["state"].(string)
	lastUpdated, _ := rec.Status.Raw["lastUpdated"].(string)
	createdAt, _ := rec.Meta["createdAt"].(string)
	return JobSummary{
		ID: rec.ID, Bucket: rec.Bucket, State: state,
		CreatedAt: createdAt, LastUpdated: lastUpdated,
	}
}

// TailRuns reads the last n lines of complete/runs.jsonl without loading
// the whole file into memory at once, for the CLI's recent-runs view
// (SPEC_FULL.md §E.2).
func TailRuns(dataRoot string, n int) ([]map[string]any, error) {
	if n <= 0 {
		return nil, nil
	}
	path := paths.RunsLogPath(dataRoot)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}

	out := make([]map[string]any, 0, len(ring))
	for _, line := range ring {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // tolerate a torn final line, per fsatomic.AppendLine's contract
		}
		out = append(out, rec)
	}
	return out, nil
}
