package orchestration

import (
	"errors"
	"testing"

	"github.com/listforge/listforge/core"
)

func TestTemplateValidate(t *testing.T) {
	tmpl := &Template{
		Name:   "full_pipeline",
		Stages: pipelineStages(),
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestTemplateValidateRejectsDuplicates(t *testing.T) {
	tmpl := &Template{
		Name: "dupes",
		Stages: []StageDefinition{
			{Name: "analysis"},
			{Name: "analysis"},
		},
	}
	if err := tmpl.Validate(); err == nil {
		t.Error("expected duplicate stage name to be rejected")
	}
}

func TestTemplateValidateRejectsCycle(t *testing.T) {
	tmpl := &Template{
		Name: "cyclic",
		Stages: []StageDefinition{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	}
	err := tmpl.Validate()
	if !errors.Is(err, core.ErrDependencyCycle) {
		t.Errorf("Validate() = %v, want ErrDependencyCycle", err)
	}
}

func TestParseTemplateYAML(t *testing.T) {
	data := []byte(`
name: registration_only
require_items: true
config:
  priority: 5
stages:
  - name: multi_platform_registration
    type: multi_platform_registration
    parallel: true
    config:
      platforms: ["A", "B"]
      max_concurrency: 4
`)
	tmpl, err := ParseTemplateYAML(data)
	if err != nil {
		t.Fatalf("ParseTemplateYAML() error = %v", err)
	}
	if tmpl.Name != "registration_only" {
		t.Errorf("Name = %q", tmpl.Name)
	}
	if !tmpl.RequireItems {
		t.Error("RequireItems should be true")
	}
	stage := tmpl.Stage("multi_platform_registration")
	if stage == nil {
		t.Fatal("stage not found")
	}
	if !stage.Parallel {
		t.Error("stage should be parallel")
	}
	if got := IntConfig(stage.Config, "max_concurrency", 0); got != 4 {
		t.Errorf("max_concurrency = %d, want 4", got)
	}
	platforms, ok := stage.Config["platforms"].([]interface{})
	if !ok || len(platforms) != 2 {
		t.Errorf("platforms = %#v, want two entries", stage.Config["platforms"])
	}
}

func TestParseTemplateYAMLInvalid(t *testing.T) {
	if _, err := ParseTemplateYAML([]byte("name: broken\nstages: []")); err == nil {
		t.Error("expected validation failure for empty stage list")
	}
	if _, err := ParseTemplateYAML([]byte("{not yaml")); err == nil {
		t.Error("expected parse failure")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	tmpl := &Template{Name: "full_pipeline", Stages: pipelineStages()}
	if err := registry.Register(tmpl); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := registry.Get("full_pipeline")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "full_pipeline" {
		t.Errorf("Name = %q", got.Name)
	}

	_, err = registry.Get("missing")
	if !errors.Is(err, core.ErrUnknownTemplate) {
		t.Errorf("Get(missing) = %v, want ErrUnknownTemplate", err)
	}

	if names := registry.Names(); len(names) != 1 {
		t.Errorf("Names() = %v", names)
	}
}
