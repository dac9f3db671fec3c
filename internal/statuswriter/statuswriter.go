// Package statuswriter is the central concurrency primitive of the
// orchestrator: serialized, crash-atomic read-modify-write access to one
// job's tasks-status.json (spec.md §4.3). Updates for a given jobDir are
// executed strictly in FIFO arrival order via a lazily-spawned per-jobDir
// worker goroutine — the design notes' "map jobDir → bounded work queue,
// one worker per entry, dropped when the queue empties" — so concurrent
// callers never race on the same document without requiring OS file locks.
package statuswriter

import (
	"fmt"
	"time"

	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/fsatomic"
	"github.com/pipeforge/pipeforge/internal/pipelog"
	"github.com/pipeforge/pipeforge/internal/statusdoc"

	"os"
	"path/filepath"
	"sync"
)

// UpdateFunc mutates doc in place (or is ignored if it returns a non-nil
// replacement is not supported — callers mutate in place, matching
// spec.md's "mutates in place or returns a replacement"; here we keep it to
// in-place mutation for simplicity, which covers every call site in this
// codebase).
type UpdateFunc func(doc *statusdoc.Document) error

type workItem struct {
	fn   UpdateFunc
	resp chan error
}

type jobQueue struct {
	ch chan workItem
}

// Writer serializes status-document updates per jobDir and publishes
// change events after each successful commit.
type Writer struct {
	mu     sync.Mutex
	queues map[string]*jobQueue
	bus    *eventbus.Bus
	log    *pipelog.Logger
}

// New constructs a Writer. bus may be nil (events are simply not published).
func New(bus *eventbus.Bus, log *pipelog.Logger) *Writer {
	if log != nil {
		log = log.With("component", "statuswriter")
	}
	return &Writer{
		queues: make(map[string]*jobQueue),
		bus:    bus,
		log:    log,
	}
}

func statusPath(jobDir string) string {
	return filepath.Join(jobDir, "tasks-status.json")
}

// Update enqueues fn against jobDir's serialized queue and blocks until it
// has run. A failing fn's error is returned
// to this caller only; the queue continues processing subsequent updates.
func (w *Writer) Update(jobDir string, fn UpdateFunc) error {
	item := workItem{fn: fn, resp: make(chan error, 1)}
	w.enqueue(jobDir, item)
	return <-item.resp
}

// enqueue looks up (or creates) jobDir's queue and sends item to it in the
// same critical section, under w.mu. This must stay one critical section:
// run()'s teardown also holds w.mu while it checks the channel is empty and
// deletes the map entry, so a sender that found-or-created the queue
// without holding the lock across the send could have its entry deleted
// and its worker exit between the lookup and the send, leaving it blocked
// forever on an orphaned channel nobody drains.
func (w *Writer) enqueue(jobDir string, item workItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[jobDir]
	if !ok {
		q = &jobQueue{ch: make(chan workItem, 256)}
		w.queues[jobDir] = q
		go w.run(jobDir, q)
	}
	q.ch <- item
}

// run is the per-jobDir worker. It processes items strictly in arrival
// order and exits (dropping the map entry) once its channel is empty,
// matching the design notes' "drop the entry when the queue empties".
func (w *Writer) run(jobDir string, q *jobQueue) {
	for {
		item, ok := <-q.ch
		if !ok {
			return
		}
		err := w.apply(jobDir, item.fn)
		item.resp <- err

		w.mu.Lock()
		if len(q.ch) == 0 {
			delete(w.queues, jobDir)
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func (w *Writer) apply(jobDir string, fn UpdateFunc) error {
	path := statusPath(jobDir)
	_ = fsatomic.SweepOrphans(jobDir)

	doc, jobID := w.loadOrDefault(path, jobDir)
	doc.Normalize()

	if err := fn(doc); err != nil {
		return fmt.Errorf("statuswriter: update function: %w", err)
	}

	doc.Normalize()
	doc.Stamp()

	b, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("statuswriter: marshal: %w", err)
	}
	if err := fsatomic.Write(path, b); err != nil {
		return fmt.Errorf("statuswriter: atomic write: %w", err)
	}

	w.publish(jobID, path)
	return nil
}

func (w *Writer) loadOrDefault(path, jobDir string) (*statusdoc.Document, string) {
	jobID := filepath.Base(jobDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return statusdoc.Default(jobID), jobID
	}
	doc, perr := statusdoc.Parse(data)
	if perr != nil {
		if w.log != nil {
			w.log.Warn("corrupt status document, resetting to default", "path", path, "error", perr)
		}
		return statusdoc.Default(jobID), jobID
	}
	if id, _ := doc.Raw["id"].(string); id == "" {
		doc.Raw["id"] = jobID
	}
	return doc, jobID
}

func (w *Writer) publish(jobID, path string) {
	if w.bus == nil {
		return
	}
	defer func() {
		// Emission must never propagate back into the write path.
		_ = recover()
	}()
	w.bus.Publish(eventbus.TopicStateChange, eventbus.StateChange{
		JobID:     jobID,
		Path:      path,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
