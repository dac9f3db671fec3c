// Package paths deterministically maps (base, jobId, bucket) tuples onto
// on-disk locations. It never touches the filesystem; every function here
// is pure string/path arithmetic so callers can reason about layout without
// an I/O round trip.
package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Bucket is one of the four lifecycle directories a job can live in.
type Bucket string

const (
	Pending   Bucket = "pending"
	Current   Bucket = "current"
	Complete  Bucket = "complete"
	Rejected  Bucket = "rejected"
	dataDir          = "pipeline-data"
)

// FileKind is one of the three per-task output kinds.
type FileKind string

const (
	Artifacts FileKind = "artifacts"
	Logs      FileKind = "logs"
	Tmp       FileKind = "tmp"
)

// jobIDPattern is the grammar spec.md §3 assigns to jobId: [A-Za-z0-9_-]+.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidJobID reports whether id matches the jobId grammar.
func ValidJobID(id string) bool {
	return id != "" && jobIDPattern.MatchString(id)
}

// Buckets names all four lifecycle bucket directories under base.
type Buckets struct {
	Pending  string
	Current  string
	Complete string
	Rejected string
}

// Resolve maps a data-root base directory to its four bucket directories.
func Resolve(base string) Buckets {
	root := filepath.Join(base, dataDir)
	return Buckets{
		Pending:  filepath.Join(root, string(Pending)),
		Current:  filepath.Join(root, string(Current)),
		Complete: filepath.Join(root, string(Complete)),
		Rejected: filepath.Join(root, string(Rejected)),
	}
}

func bucketDir(base string, bucket Bucket) string {
	b := Resolve(base)
	switch bucket {
	case Pending:
		return b.Pending
	case Current:
		return b.Current
	case Complete:
		return b.Complete
	case Rejected:
		return b.Rejected
	default:
		return filepath.Join(base, dataDir, string(bucket))
	}
}

// SeedPath returns the path to a job's seed file. Pending (and rejected)
// seeds are flat files "{jobId}-seed.json"; current/complete store the seed
// inside the job directory as "seed.json".
func SeedPath(base string, bucket Bucket, jobID string) string {
	switch bucket {
	case Pending, Rejected:
		return filepath.Join(bucketDir(base, bucket), fmt.Sprintf("%s-seed.json", jobID))
	default:
		return filepath.Join(JobDir(base, bucket, jobID), "seed.json")
	}
}

// RejectReasonPath returns the sibling ".reason" file path for a rejected seed.
func RejectReasonPath(base string, jobID string) string {
	return filepath.Join(bucketDir(base, Rejected), fmt.Sprintf("%s-seed.reason", jobID))
}

// JobDir returns the job's directory within the given bucket. Only
// meaningful for Current and Complete, which own a per-job directory.
func JobDir(base string, bucket Bucket, jobID string) string {
	return filepath.Join(bucketDir(base, bucket), jobID)
}

// StatusPath returns the path to a job's tasks-status.json document.
func StatusPath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "tasks-status.json")
}

// PipelinePath returns the path to a job's snapshotted pipeline.json.
func PipelinePath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "pipeline.json")
}

// JobMetaPath returns the path to a job's job.json metadata file.
func JobMetaPath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "job.json")
}

// PIDPath returns the path to the runner's PID file for a job.
func PIDPath(base string, bucket Bucket, jobID string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "runner.pid")
}

// TaskDir returns a task's working directory under a job.
func TaskDir(base string, bucket Bucket, jobID, taskName string) string {
	return filepath.Join(JobDir(base, bucket, jobID), "tasks", taskName)
}

// TaskOutputPath returns the path a task's rehydratable output.json lives at.
func TaskOutputPath(base string, bucket Bucket, jobID, taskName string) string {
	return filepath.Join(TaskDir(base, bucket, jobID, taskName), "output.json")
}

// FilesDir returns the directory for one kind of per-task output file.
func FilesDir(base string, bucket Bucket, jobID string, kind FileKind) string {
	return filepath.Join(JobDir(base, bucket, jobID), "files", string(kind))
}

// RunsLogPath returns the path to the complete bucket's append-only summary log.
func RunsLogPath(base string) string {
	return filepath.Join(bucketDir(base, Complete), "runs.jsonl")
}

// DataRootLockPath returns the path to the root-level lockfile that enforces
// a single lifecycle manager per data-root (spec.md §4.9, §5).
func DataRootLockPath(base string) string {
	return filepath.Join(base, dataDir, "pipeforged.lock")
}
