// Package discover finds GitHub Actions workflows that can be dispatched.
package discover

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// DefaultGlob matches every workflow file in the directory.
const DefaultGlob = "*.{yml,yaml}"

// Workflow describes one workflow file.
type Workflow struct {
	File         string `json:"file"`
	Name         string `json:"name"`
	Dispatchable bool   `json:"dispatchable"`
}

type workflowFile struct {
	Name string    `yaml:"name"`
	On   yaml.Node `yaml:"on"`
}

// Discover parses every file under dir matching glob. Files that do not
// parse as YAML are returned as an error; an empty glob means DefaultGlob.
func Discover(dir, glob string) ([]Workflow, error) {
	if glob == "" {
		glob = DefaultGlob
	}
	if !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("invalid workflow glob %q", glob)
	}
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, glob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s in %s: %w", glob, dir, err)
	}
	sort.Strings(matches)

	out := make([]Workflow, 0, len(matches))
	for _, m := range matches {
		wf, err := parse(fsys, m)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func parse(fsys fs.FS, name string) (Workflow, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Workflow{}, fmt.Errorf("read %s: %w", name, err)
	}
	var f workflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Workflow{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return Workflow{
		File:         path.Base(name),
		Name:         f.Name,
		Dispatchable: hasDispatch(&f.On),
	}, nil
}

// hasDispatch reports whether an `on:` node lists workflow_dispatch, in any
// of its three shapes: a scalar, a sequence, or a mapping.
func hasDispatch(n *yaml.Node) bool {
	const event = "workflow_dispatch"
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value == event
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if c.Kind == yaml.ScalarNode && c.Value == event {
				return true
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == event {
				return true
			}
		}
	}
	return false
}

// Targets binds every dispatchable workflow to branch. The target name is
// the file name, which `gh workflow run` accepts.
func Targets(workflows []Workflow, branch string) []ci.WorkflowTarget {
	var out []ci.WorkflowTarget
	for _, wf := range workflows {
		if wf.Dispatchable {
			out = append(out, ci.WorkflowTarget{Name: wf.File, Branch: branch})
		}
	}
	return out
}
