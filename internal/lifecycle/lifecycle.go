// Package lifecycle is the long-lived job lifecycle manager (spec.md §4.9):
// it watches the pending bucket for new seeds, promotes valid ones into
// current, spawns a pipeline-runner subprocess per job, and supervises
// their exit. Only one instance may run per data-root, enforced by a
// root-level lockfile grounded on the pack's worktree-lock pattern.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	"golang.org/x/sync/errgroup"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/fsatomic"
	"github.com/pipeforge/pipeforge/internal/paths"
	"github.com/pipeforge/pipeforge/internal/pipeerr"
	"github.com/pipeforge/pipeforge/internal/pipelinedef"
	"github.com/pipeforge/pipeforge/internal/pipelog"
	"github.com/pipeforge/pipeforge/internal/seed"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
	"github.com/pipeforge/pipeforge/internal/statuswriter"
)

var seedFilePattern = regexp.MustCompile(`^([A-Za-z0-9_-]+)-seed\.json$`)

// PipelineSource resolves a pipeline slug to its definition, used both to
// validate a seed's pipeline field and to snapshot pipeline.json at
// promotion time.
type PipelineSource interface {
	Load(slug string) (*pipelinedef.Definition, error)
	HasPipeline(slug string) bool
}

// Manager is the long-lived lifecycle manager process.
type Manager struct {
	base          string
	bkts          paths.Buckets
	pipelines     PipelineSource
	writer        *statuswriter.Writer
	bus           *eventbus.Bus
	log           *pipelog.Logger
	runnerBinary  string
	maxConcurrent int
	pollInterval  time.Duration
	staleAfter    time.Duration
	lock          lockfile.Lockfile
}

// Options configures a new Manager.
type Options struct {
	DataRoot      string
	Pipelines     PipelineSource
	Writer        *statuswriter.Writer
	Bus           *eventbus.Bus
	Log           *pipelog.Logger
	RunnerBinary  string
	MaxConcurrent int
	PollInterval  time.Duration
	// StaleAfter is how long a task may sit in "running" with a dead
	// runner.pid before the manager reaps it as failed (SPEC_FULL.md §E.3).
	// Zero disables reaping.
	StaleAfter time.Duration
}

// New constructs a Manager and acquires the root-level lockfile. Only one
// Manager may hold the lock for a given data-root at a time (spec.md §4.9,
// §5 "Shared resources").
func New(opts Options) (*Manager, error) {
	lockPath := paths.DataRootLockPath(opts.DataRoot)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, pipeerr.IO("creating data-root directory", err)
	}
	lock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, pipeerr.IO("constructing lockfile handle", err)
	}
	if err := lock.TryLock(); err != nil {
		return nil, pipeerr.Lifecycle(fmt.Sprintf("another lifecycle manager already owns %s: %v", opts.DataRoot, err))
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	runnerBinary := opts.RunnerBinary
	if runnerBinary == "" {
		runnerBinary = "pipeforge-runner"
	}

	return &Manager{
		base:          opts.DataRoot,
		bkts:          paths.Resolve(opts.DataRoot),
		pipelines:     opts.Pipelines,
		writer:        opts.Writer,
		bus:           opts.Bus,
		log:           opts.Log,
		runnerBinary:  runnerBinary,
		maxConcurrent: maxConcurrent,
		pollInterval:  interval,
		staleAfter:    opts.StaleAfter,
		lock:          lock,
	}, nil
}

// Close releases the root-level lockfile.
func (m *Manager) Close() error {
	return m.lock.Unlock()
}

// Run watches the pending bucket and spawns/supervises runners until ctx is
// cancelled. It returns once every in-flight runner has exited.
func (m *Manager) Run(ctx context.Context) error {
	for _, dir := range []string{m.bkts.Pending, m.bkts.Current, m.bkts.Complete, m.bkts.Rejected} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pipeerr.IO("creating bucket directory "+dir, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.maxConcurrent)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
			if m.staleAfter > 0 {
				m.reapStaleRunners()
			}
			seeds, err := m.pendingSeeds()
			if err != nil {
				m.warn("listing pending seeds failed", "error", err)
				continue
			}
			for _, seedFile := range seeds {
				jobID, err := m.promote(seedFile)
				if err != nil {
					m.warn("promotion failed", "seed", seedFile, "error", err)
					continue
				}
				if jobID == "" {
					continue // rejected, already moved
				}
				sem <- struct{}{}
				g.Go(func() error {
					defer func() { <-sem }()
					m.superviseRunner(gctx, jobID)
					return nil
				})
			}
		}
	}
}

func (m *Manager) pendingSeeds() ([]string, error) {
	entries, err := os.ReadDir(m.bkts.Pending)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if seedFilePattern.MatchString(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// promote validates one pending seed file and either rejects it (moving it
// to the rejected bucket with a sibling .reason file) or promotes it into
// current, returning the seed-supplied or file-name-derived jobId. An empty jobId with a nil
// error means the seed was rejected.
func (m *Manager) promote(seedFileName string) (string, error) {
	seedPath := filepath.Join(m.bkts.Pending, seedFileName)
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return "", err
	}

	parsed, verr := seed.Parse(data, m.pipelines)
	if verr != nil {
		return "", m.reject(seedFileName, seedPath, verr)
	}

	jobID := parsed.ID
	if jobID == "" {
		jobID = strings.TrimSuffix(seedFileName, "-seed.json")
	}
	if !paths.ValidJobID(jobID) {
		return "", m.reject(seedFileName, seedPath, fmt.Errorf("jobId %q does not match the required grammar", jobID))
	}

	def, err := m.pipelines.Load(parsed.Pipeline)
	if err != nil {
		return "", m.reject(seedFileName, seedPath, err)
	}

	jobDir := paths.JobDir(m.base, paths.Current, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", pipeerr.IO("creating job directory", err)
	}

	if err := os.Rename(seedPath, filepath.Join(jobDir, "seed.json")); err != nil {
		return "", pipeerr.IO("moving seed into job directory", err)
	}

	defJSON, _ := json.Marshal(def)
	if err := fsatomic.Write(filepath.Join(jobDir, "pipeline.json"), defJSON); err != nil {
		return "", pipeerr.IO("snapshotting pipeline definition", err)
	}

	meta := map[string]any{
		"id":        jobID,
		"name":      parsed.Name,
		"pipeline":  parsed.Pipeline,
		"metadata":  parsed.Metadata,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	metaJSON, _ := json.Marshal(meta)
	if err := fsatomic.Write(filepath.Join(jobDir, "job.json"), metaJSON); err != nil {
		return "", pipeerr.IO("writing job metadata", err)
	}

	artifactNames, err := m.copyUploadArtifacts(jobID, jobDir)
	if err != nil {
		return "", err
	}

	doc := statusdoc.Default(jobID)
	for _, taskName := range def.Tasks {
		doc.SetTask(taskName, statusdoc.TaskRecord{State: statusdoc.TaskPending})
	}
	for _, name := range artifactNames {
		doc.AppendFile("", "artifacts", name)
	}
	doc.Normalize()
	doc.Stamp()
	statusJSON, _ := doc.Marshal()
	if err := fsatomic.Write(paths.StatusPath(m.base, paths.Current, jobID), statusJSON); err != nil {
		return "", pipeerr.IO("writing initial status document", err)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicSeedUploaded, eventbus.SeedUploaded{Name: parsed.Name})
	}
	return jobID, nil
}

func (m *Manager) reject(seedFileName, seedPath string, cause error) error {
	jobID := strings.TrimSuffix(seedFileName, "-seed.json")
	rejectedPath := filepath.Join(m.bkts.Rejected, seedFileName)
	if err := os.Rename(seedPath, rejectedPath); err != nil {
		return pipeerr.IO("moving rejected seed", err)
	}
	reasonPath := paths.RejectReasonPath(m.base, jobID)
	_ = fsatomic.Write(reasonPath, []byte(cause.Error()))
	return nil
}

// copyUploadArtifacts moves spec.md §4.9 responsibility 1's "upload
// artifacts" into the freshly-promoted job's files/artifacts/ directory and
// returns their names for the status document. Upload artifacts are staged
// by the out-of-scope seed-upload parser (spec.md §1) as a sibling
// directory named "<jobId>-uploads" next to the pending seed file, the same
// naming convention already used for "<jobId>-seed.json" and its
// ".reason" sibling on rejection. A missing uploads directory is the common
// case (most seeds carry no binary payload) and is not an error.
func (m *Manager) copyUploadArtifacts(jobID, jobDir string) ([]string, error) {
	uploadsDir := filepath.Join(m.bkts.Pending, jobID+"-uploads")
	entries, err := os.ReadDir(uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pipeerr.IO("reading upload artifacts directory", err)
	}

	artifactsDir := filepath.Join(jobDir, "files", "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, pipeerr.IO("creating files/artifacts", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(uploadsDir, e.Name()))
		if err != nil {
			return nil, pipeerr.IO("reading upload artifact "+e.Name(), err)
		}
		if err := fsatomic.Write(filepath.Join(artifactsDir, e.Name()), data); err != nil {
			return nil, pipeerr.IO("writing upload artifact "+e.Name(), err)
		}
		names = append(names, e.Name())
	}

	if err := os.RemoveAll(uploadsDir); err != nil {
		return nil, pipeerr.IO("removing consumed upload artifacts directory", err)
	}
	return names, nil
}

// superviseRunner spawns the pipeline-runner subprocess for jobID and
// tracks its exit code (spec.md §4.9 step 3). A non-zero exit with the job
// still in current is recorded; the runner itself is responsible for
// moving the directory to complete on success.
func (m *Manager) superviseRunner(ctx context.Context, jobID string) {
	cmd := exec.CommandContext(ctx, m.runnerBinary, jobID)
	cmd.Env = append(os.Environ(), "DATA_ROOT="+m.base)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		jobDir := paths.JobDir(m.base, paths.Current, jobID)
		if _, statErr := os.Stat(jobDir); statErr == nil {
			m.warn("runner exited non-zero, job remains in current", "jobId", jobID, "error", err)
		}
	}
}

// reapStaleRunners scans current/ for jobs whose runner.pid points at a
// dead process while a task still reads "running", and fails that task
// with reason runner_died (SPEC_FULL.md §E.3) instead of leaving it stuck
// forever. A job whose runner is merely slow — process alive, or the
// status document was touched more recently than staleAfter — is left
// alone.
func (m *Manager) reapStaleRunners() {
	entries, err := os.ReadDir(m.bkts.Current)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		jobDir := filepath.Join(m.bkts.Current, jobID)
		if processAlive(filepath.Join(jobDir, "runner.pid")) {
			continue
		}

		statusPath := filepath.Join(jobDir, "tasks-status.json")
		data, err := os.ReadFile(statusPath)
		if err != nil {
			continue
		}
		doc, err := statusdoc.Parse(data)
		if err != nil {
			continue
		}
		lastUpdated, _ := doc.Raw["lastUpdated"].(string)
		ts, err := time.Parse(time.RFC3339Nano, lastUpdated)
		if err != nil || time.Since(ts) < m.staleAfter {
			continue
		}

		for name := range doc.Tasks() {
			tr, _ := doc.Task(name)
			if tr.State != statusdoc.TaskRunning {
				continue
			}
			if err := m.writer.UpdateTask(jobDir, name, func(tr *statusdoc.TaskRecord) {
				tr.State = statusdoc.TaskFailed
				tr.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
				tr.FailedStage = "runner_died"
				tr.Error = map[string]any{"message": "runner process exited without updating task state"}
			}); err != nil {
				m.warn("reaping stale task failed", "jobId", jobID, "task", name, "error", err)
			}
		}
	}
}

func processAlive(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := parsePID(string(data))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop signals jobID's runner process via its PID file (spec.md §4.9 step 4).
func (m *Manager) Stop(jobID string) error {
	return StopJob(m.base, jobID)
}

// StopJob signals the runner process for jobID under dataRoot via its PID
// file, without requiring a Manager (and therefore the root lockfile) —
// used by pipeforgectl, an external operator process that never competes
// for the lifecycle manager's exclusive lock.
func StopJob(dataRoot, jobID string) error {
	pidPath := paths.PIDPath(dataRoot, paths.Current, jobID)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return pipeerr.IO("reading runner.pid for "+jobID, err)
	}
	pid, err := parsePID(string(data))
	if err != nil {
		return pipeerr.Validation("malformed runner.pid for "+jobID, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pipeerr.IO("finding runner process for "+jobID, err)
	}
	return proc.Signal(os.Interrupt)
}

func (m *Manager) warn(msg string, kv ...any) {
	if m.log != nil {
		m.log.Warn(msg, kv...)
	}
}

func parsePID(s string) (int, error) {
	s = strings.TrimSpace(s)
	var pid int
	_, err := fmt.Sscanf(s, "%d", &pid)
	return pid, err
}
