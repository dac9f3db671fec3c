package statuswriter

import (
	"github.com/pipeforge/pipeforge/internal/eventbus"
	"github.com/pipeforge/pipeforge/internal/statusdoc"
)

// ResetOptions configures the reset family of operations.
type ResetOptions struct {
	// ClearTokenUsage is accepted by every reset operation but has no
	// effect: TaskRecord has no tokenUsage field, and a "tokenUsage" key
	// stored in the raw task map is kept by a reset.
	ClearTokenUsage bool
}

// UpdateTask creates-or-updates taskName's record via fn, then stamps and
// commits through the serialized queue, publishing a task:updated event.
func (w *Writer) UpdateTask(jobDir, taskName string, fn func(tr *statusdoc.TaskRecord)) error {
	var updated statusdoc.TaskRecord
	err := w.Update(jobDir, func(doc *statusdoc.Document) error {
		tr, _ := doc.Task(taskName)
		fn(&tr)
		doc.SetTask(taskName, tr)
		updated = tr
		return nil
	})
	if err != nil {
		return err
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.TopicTaskUpdated, eventbus.TaskUpdated{
			JobID:  lastPathElem(jobDir),
			TaskID: taskName,
			Task:   updated,
		})
	}
	return nil
}

// ResetJobFromTask resets every task at or after fromTask — per
// pipelineOrder's explicit ordering, resolving spec.md §9's open question
// about insertion-order ambiguity — to pending, clearing error/failedStage
// and counters. Tasks before fromTask, and files.* everywhere, are left
// untouched.
func (w *Writer) ResetJobFromTask(jobDir string, pipelineOrder []string, fromTask string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *statusdoc.Document) error {
		idx := indexOf(pipelineOrder, fromTask)
		for i, name := range pipelineOrder {
			if i < idx {
				continue
			}
			tr, _ := doc.Task(name)
			resetTaskRecord(&tr, opts)
			doc.SetTask(name, tr)
		}
		return nil
	})
}

// ResetJobToCleanSlate resets every task in pipelineOrder to pending.
// files.* is left untouched everywhere, matching spec.md §4.3.
func (w *Writer) ResetJobToCleanSlate(jobDir string, pipelineOrder []string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *statusdoc.Document) error {
		for _, name := range pipelineOrder {
			tr, _ := doc.Task(name)
			resetTaskRecord(&tr, opts)
			doc.SetTask(name, tr)
		}
		return nil
	})
}

// ResetSingleTask resets only taskName. Other tasks and files.* are untouched.
func (w *Writer) ResetSingleTask(jobDir, taskName string, opts ResetOptions) error {
	return w.Update(jobDir, func(doc *statusdoc.Document) error {
		tr, _ := doc.Task(taskName)
		resetTaskRecord(&tr, opts)
		doc.SetTask(taskName, tr)
		return nil
	})
}

func resetTaskRecord(tr *statusdoc.TaskRecord, opts ResetOptions) {
	tr.State = statusdoc.TaskPending
	tr.Attempts = 0
	tr.RefinementAttempts = 0
	tr.StartedAt = ""
	tr.EndedAt = ""
	tr.CurrentStage = ""
	tr.FailedStage = ""
	tr.Error = nil
	tr.ExecutionTimeMs = 0
	if opts.ClearTokenUsage {
		// TaskRecord has no typed tokenUsage field, and SetTask keeps keys
		// outside TaskRecord, so a raw "tokenUsage" key survives the reset.
		_ = opts
	}
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return len(list) // not found: every i < idx, so every task is skipped and nothing resets
}

func lastPathElem(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
