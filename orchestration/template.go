package orchestration

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/listforge/listforge/core"
)

// StageDefinition describes one stage of a workflow template.
type StageDefinition struct {
	Name string `yaml:"name" json:"name"`
	// Type selects the stage processor, e.g. "analysis",
	// "content_processing", "multi_platform_registration".
	Type      string   `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	// Parallel allows per-item fan-out inside the stage.
	Parallel bool `yaml:"parallel" json:"parallel,omitempty"`
	// OnFailureSkip lets the stage run even when a predecessor failed or was
	// skipped; without it a failed predecessor fails the execution.
	OnFailureSkip bool                   `yaml:"on_failure_skip" json:"on_failure_skip,omitempty"`
	Config        map[string]interface{} `yaml:"config" json:"config,omitempty"`
}

// Template is a registered, immutable workflow description: an ordered stage
// list whose dependency graph is a DAG.
type Template struct {
	Name   string                 `yaml:"name" json:"name"`
	Stages []StageDefinition      `yaml:"stages" json:"stages"`
	Config map[string]interface{} `yaml:"config" json:"config,omitempty"`
	// RequireItems makes Start with an empty selector fail instead of
	// completing an empty execution.
	RequireItems bool `yaml:"require_items" json:"require_items,omitempty"`
}

// Validate checks structural soundness: unique stage names, known
// dependencies, acyclic graph.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s must have at least one stage", t.Name)
	}

	seen := make(map[string]bool, len(t.Stages))
	for _, stage := range t.Stages {
		if stage.Name == "" {
			return fmt.Errorf("template %s has a stage without a name", t.Name)
		}
		if seen[stage.Name] {
			return fmt.Errorf("template %s has duplicate stage %s", t.Name, stage.Name)
		}
		seen[stage.Name] = true
	}
	for _, stage := range t.Stages {
		for _, dep := range stage.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("stage %s depends on unknown stage %s", stage.Name, dep)
			}
		}
	}

	return NewStageDAG(t.Stages).Validate()
}

// Stage returns the definition with the given name, or nil.
func (t *Template) Stage(name string) *StageDefinition {
	for i := range t.Stages {
		if t.Stages[i].Name == name {
			return &t.Stages[i]
		}
	}
	return nil
}

// ParseTemplateYAML parses and validates a template from YAML.
func ParseTemplateYAML(data []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parsing template YAML: %w", err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("template validation failed: %w", err)
	}
	return &tmpl, nil
}

// Registry holds registered templates. Templates are written during
// initialisation and read-only thereafter; registration of a name twice
// replaces the previous definition.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register validates and stores a template.
func (r *Registry) Register(tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.Name] = tmpl
	return nil
}

// Get returns the named template or core.ErrUnknownTemplate.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[name]
	if !ok {
		return nil, core.NewPipelineError("registry.Get", "template", core.ErrUnknownTemplate)
	}
	return tmpl, nil
}

// Names lists registered template names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}
