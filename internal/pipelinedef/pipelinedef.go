// Package pipelinedef loads and validates pipeline definitions (spec.md §3,
// §6): an ordered list of task identifiers plus optional per-task
// configuration, snapshotted into a job directory at promotion time so that
// later registry changes cannot mutate an in-flight job.
package pipelinedef

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Definition is the decoded pipeline.json shape.
type Definition struct {
	Name       string                    `json:"name"`
	Tasks      []string                  `json:"tasks"`
	TaskConfig map[string]map[string]any `json:"taskConfig,omitempty"`
}

// ValidationError collects every violation found in one pass, so a caller
// surfaces a complete report instead of bailing at the first problem.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline definition invalid: %s", strings.Join(e.Reasons, "; "))
}

// Parse decodes raw JSON and validates it, returning a multi-error report
// on any violation.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &ValidationError{Reasons: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the closed schema spec.md §6 names:
// {name: string, tasks: [string] (non-empty), taskConfig?: {taskName: object}}.
func (d *Definition) Validate() error {
	var reasons []string
	if strings.TrimSpace(d.Name) == "" {
		reasons = append(reasons, "name must be a non-empty string")
	}
	if len(d.Tasks) == 0 {
		reasons = append(reasons, "tasks must be a non-empty list")
	}
	seen := map[string]bool{}
	for i, t := range d.Tasks {
		if strings.TrimSpace(t) == "" {
			reasons = append(reasons, fmt.Sprintf("tasks[%d] must be a non-empty string", i))
			continue
		}
		if seen[t] {
			reasons = append(reasons, fmt.Sprintf("tasks[%d] %q duplicates an earlier entry", i, t))
		}
		seen[t] = true
	}
	for name := range d.TaskConfig {
		if !seen[name] {
			reasons = append(reasons, fmt.Sprintf("taskConfig references unknown task %q", name))
		}
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// DependenciesReady reports whether every task before taskName in d.Tasks
// (pipeline order) is recorded as done in states, per spec.md §4.7 step 3.
func (d *Definition) DependenciesReady(taskName string, states map[string]string) bool {
	for _, t := range d.Tasks {
		if t == taskName {
			return true
		}
		if states[t] != "done" {
			return false
		}
	}
	return true
}

// IndexOf returns taskName's position in pipeline order, or -1.
func (d *Definition) IndexOf(taskName string) int {
	for i, t := range d.Tasks {
		if t == taskName {
			return i
		}
	}
	return -1
}
