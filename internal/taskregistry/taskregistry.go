// Package taskregistry replaces the module loader spec.md §4.5 describes
// with the task-descriptor registry spec.md §9's design notes invite:
// "{taskName -> {binary, args, env}}", loaded from YAML and invoked as a
// subprocess per stage call instead of a dynamically loaded module. This
// eliminates the cache-busting / adjacent-copy fallback entirely — there is
// no module cache because nothing is dynamically loaded.
package taskregistry

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/pipeforge/pipeforge/internal/pipeerr"
)

// Descriptor is one task's subprocess invocation recipe.
type Descriptor struct {
	Binary     string            `yaml:"binary"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	MinVersion string            `yaml:"minVersion,omitempty"`
	// SharedDeps is the shared dependency directory (e.g. a hoisted
	// node_modules) this task's binary resolves at runtime via a symlink
	// bridge into its isolated task directory (spec.md §4.7 step 5). Empty
	// means the task needs no bridge.
	SharedDeps string `yaml:"sharedDeps,omitempty"`
}

// Registry maps taskName to its Descriptor.
type Registry struct {
	Tasks map[string]Descriptor `yaml:"tasks"`
}

// Load parses a task-registry.yaml document.
func Load(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, pipeerr.Validation("malformed task registry", err)
	}
	for name, d := range r.Tasks {
		if strings.TrimSpace(d.Binary) == "" {
			return nil, pipeerr.Validation(fmt.Sprintf("task %q has no binary", name), nil)
		}
	}
	return &r, nil
}

// Lookup returns the descriptor for taskName, or an error if unregistered.
func (r *Registry) Lookup(taskName string) (Descriptor, error) {
	d, ok := r.Tasks[taskName]
	if !ok {
		return Descriptor{}, pipeerr.TaskProcess(fmt.Sprintf("task %q is not registered", taskName), nil)
	}
	return d, nil
}

// CheckVersion runs "<binary> --version", extracts the first semver-looking
// token from its output, and verifies it satisfies the descriptor's
// MinVersion constraint. A descriptor with no MinVersion always passes.
// This is the systems-native analogue of the module loader's
// cache-invalidation concern: instead of busting a stale module cache, an
// incompatible binary is refused before it ever runs a stage.
func CheckVersion(d Descriptor) error {
	if strings.TrimSpace(d.MinVersion) == "" {
		return nil
	}
	out, err := exec.Command(d.Binary, "--version").Output()
	if err != nil {
		return pipeerr.TaskProcess(fmt.Sprintf("running %q --version", d.Binary), err)
	}
	v, err := extractVersion(string(out))
	if err != nil {
		return pipeerr.TaskProcess(fmt.Sprintf("parsing version output of %q", d.Binary), err)
	}
	constraint, err := semver.NewConstraint(">= " + d.MinVersion)
	if err != nil {
		return pipeerr.Validation(fmt.Sprintf("invalid minVersion %q", d.MinVersion), err)
	}
	if !constraint.Check(v) {
		return pipeerr.TaskProcess(fmt.Sprintf("%s version %s does not satisfy >= %s", d.Binary, v.String(), d.MinVersion), nil)
	}
	return nil
}

func extractVersion(s string) (*semver.Version, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "v")
		if v, err := semver.NewVersion(f); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no semver token found in %q", s)
}
