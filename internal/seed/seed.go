// Package seed validates job seed documents (spec.md §3, §6) before they
// are promoted out of the pending bucket.
package seed

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const maxNameLen = 120

var allowedFields = map[string]bool{
	"id": true, "name": true, "data": true, "pipeline": true,
	"metadata": true, "context": true,
}

// Seed is the decoded seed document.
type Seed struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Data     map[string]any `json:"data"`
	Pipeline string         `json:"pipeline"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// ValidationError collects every violation found in one validation pass.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("seed invalid: %s", strings.Join(e.Reasons, "; "))
}

// Registry reports whether a pipeline identifier is known.
type Registry interface {
	HasPipeline(name string) bool
}

// Parse decodes raw JSON and validates it against reg. additionalProperties
// are rejected per spec.md §6, so the raw object shape is checked alongside
// the typed decode.
func Parse(data []byte, reg Registry) (*Seed, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Reasons: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}

	var s Seed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &ValidationError{Reasons: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}

	var reasons []string
	for k := range raw {
		if !allowedFields[k] {
			reasons = append(reasons, fmt.Sprintf("unrecognized field %q", k))
		}
	}
	if strings.TrimSpace(s.Name) == "" {
		reasons = append(reasons, "name must be a non-empty string")
	} else if len(s.Name) > maxNameLen {
		reasons = append(reasons, fmt.Sprintf("name exceeds %d characters", maxNameLen))
	} else if !isPrintable(s.Name) {
		reasons = append(reasons, "name must contain only printable characters")
	}
	if s.Data == nil {
		reasons = append(reasons, "data must be an object")
	}
	if strings.TrimSpace(s.Pipeline) == "" {
		reasons = append(reasons, "pipeline must be a non-empty string")
	} else if reg != nil && !reg.HasPipeline(s.Pipeline) {
		reasons = append(reasons, fmt.Sprintf("pipeline %q is not in the registry", s.Pipeline))
	}

	if len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}
	return &s, nil
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
