package graph

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const documentVersion = "1"

// defaultMaxRetries applies when a task omits max_retries.
const defaultMaxRetries = 2

// Document is a parsed task graph file.
type Document struct {
	Version string
	Session SessionSpec
	Tasks   []*TaskSpec
}

// SessionSpec names the session the graph runs under.
type SessionSpec struct {
	Name string `yaml:"name"`
}

// TaskSpec is one task declaration. Declaration order in the file is
// preserved and drives the readiness sweep.
type TaskSpec struct {
	ID         string
	Name       string   `yaml:"name"`
	Prompt     string   `yaml:"prompt"`
	Type       string   `yaml:"type"`
	Agent      string   `yaml:"agent"`
	DependsOn  []string `yaml:"depends_on"`
	MaxRetries *int     `yaml:"max_retries"`
}

type rawDocument struct {
	Version yaml.Node   `yaml:"version"`
	Session SessionSpec `yaml:"session"`
	Tasks   yaml.Node   `yaml:"tasks"`
}

// ParseDocument parses a YAML or JSON task graph and validates it: version
// must be "1", every task needs a name and prompt, every dependency must
// name a declared task, and the dependency relation must be acyclic.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse graph document: %w", err)
	}

	doc := &Document{
		Version: raw.Version.Value,
		Session: raw.Session,
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported graph version %q, expected %q", doc.Version, documentVersion)
	}
	if strings.TrimSpace(doc.Session.Name) == "" {
		return nil, fmt.Errorf("session.name is required")
	}

	if raw.Tasks.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("tasks must be a mapping of task id to task")
	}
	seen := make(map[string]*TaskSpec)
	for i := 0; i+1 < len(raw.Tasks.Content); i += 2 {
		id := raw.Tasks.Content[i].Value
		spec := &TaskSpec{}
		if err := raw.Tasks.Content[i+1].Decode(spec); err != nil {
			return nil, fmt.Errorf("failed to parse task %q: %w", id, err)
		}
		spec.ID = id
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("task id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate task id %q", id)
		}
		if strings.TrimSpace(spec.Name) == "" {
			return nil, fmt.Errorf("task %q: name is required", id)
		}
		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, fmt.Errorf("task %q: prompt is required", id)
		}
		if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
			return nil, fmt.Errorf("task %q: max_retries must not be negative", id)
		}
		seen[id] = spec
		doc.Tasks = append(doc.Tasks, spec)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("graph declares no tasks")
	}

	for _, spec := range doc.Tasks {
		for _, dep := range spec.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", spec.ID, dep)
			}
			if dep == spec.ID {
				return nil, fmt.Errorf("task %q depends on itself", spec.ID)
			}
		}
	}

	if err := detectCycle(doc.Tasks); err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseDocumentFile reads and parses a graph file.
func ParseDocumentFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return ParseDocument(data)
}

// MaxRetriesOrDefault returns the task's retry budget.
func (t *TaskSpec) MaxRetriesOrDefault() int {
	if t.MaxRetries != nil {
		return *t.MaxRetries
	}
	return defaultMaxRetries
}

// detectCycle walks the dependency relation depth-first and reports the
// first cycle found as the path of edges that closes it.
func detectCycle(tasks []*TaskSpec) error {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Close the loop for the error message.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return fmt.Errorf("dependency cycle detected: %s", strings.Join(path, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
