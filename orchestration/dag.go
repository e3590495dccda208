package orchestration

import (
	"fmt"
	"sync"

	"github.com/listforge/listforge/core"
)

// StageDAG tracks the dependency graph of an execution's stages. Validation
// happens at template registration; per-execution instances additionally
// carry stage status so the engine can ask which stages are dispatchable.
type StageDAG struct {
	mu    sync.RWMutex
	nodes map[string]*dagNode
	order []string // template order, keeps traversal deterministic
}

type dagNode struct {
	name         string
	dependencies []string
	dependents   []string
	status       StepStatus
}

// NewStageDAG builds a DAG from the template's stage list.
func NewStageDAG(stages []StageDefinition) *StageDAG {
	d := &StageDAG{nodes: make(map[string]*dagNode, len(stages))}
	for _, stage := range stages {
		d.nodes[stage.Name] = &dagNode{
			name:         stage.Name,
			dependencies: append([]string(nil), stage.DependsOn...),
			status:       StepPending,
		}
		d.order = append(d.order, stage.Name)
	}
	for _, name := range d.order {
		for _, dep := range d.nodes[name].dependencies {
			if depNode, ok := d.nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, name)
			}
		}
	}
	return d
}

// Validate checks that every dependency exists and the graph has no cycles.
func (d *StageDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for name, node := range d.nodes {
		for _, dep := range node.dependencies {
			if _, ok := d.nodes[dep]; !ok {
				return fmt.Errorf("stage %s depends on unknown stage %s", name, dep)
			}
		}
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	for name := range d.nodes {
		if !visited[name] {
			if d.hasCycle(name, visited, onStack) {
				return core.ErrDependencyCycle
			}
		}
	}
	return nil
}

func (d *StageDAG) hasCycle(name string, visited, onStack map[string]bool) bool {
	visited[name] = true
	onStack[name] = true
	for _, dependent := range d.nodes[name].dependents {
		if !visited[dependent] {
			if d.hasCycle(dependent, visited, onStack) {
				return true
			}
		} else if onStack[dependent] {
			return true
		}
	}
	onStack[name] = false
	return false
}

// TopologicalOrder returns stage names in a dependency-respecting order using
// Kahn's algorithm. Ties break on insertion order of the dependents lists, so
// the result is stable for a given template.
func (d *StageDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	for name, node := range d.nodes {
		inDegree[name] = len(node.dependencies)
	}

	var queue []string
	for _, name := range d.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, dependent := range d.nodes[current].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return order
}

// SetStatus records a stage's status transition.
func (d *StageDAG) SetStatus(name string, status StepStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[name]; ok {
		node.status = status
	}
}

// Status returns a stage's current status.
func (d *StageDAG) Status(name string) StepStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if node, ok := d.nodes[name]; ok {
		return node.status
	}
	return StepPending
}

// PredecessorsSatisfied reports whether every dependency of the named stage
// is completed, or skipped when skippedOK is set. The second return names the
// first blocking dependency.
func (d *StageDAG) PredecessorsSatisfied(name string, skippedOK bool) (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node, ok := d.nodes[name]
	if !ok {
		return false, name
	}
	for _, dep := range node.dependencies {
		status := d.nodes[dep].status
		if status == StepCompleted {
			continue
		}
		if skippedOK && status == StepSkipped {
			continue
		}
		return false, dep
	}
	return true, ""
}

// ExecutionLevels groups stages into levels whose members could run in
// parallel. Used by DAG statistics and operator tooling.
func (d *StageDAG) ExecutionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var levels [][]string
	placed := make(map[string]bool)
	for len(placed) < len(d.nodes) {
		var level []string
		for _, name := range d.order {
			node := d.nodes[name]
			if placed[name] {
				continue
			}
			ready := true
			for _, dep := range node.dependencies {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			break // cycle; Validate would have caught this
		}
		for _, name := range level {
			placed[name] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// Statistics summarises graph shape for diagnostics.
type DAGStatistics struct {
	TotalStages     int
	MaxDependencies int
	MaxDependents   int
	MaxParallelism  int
	Depth           int
}

// Statistics returns shape metrics for the DAG.
func (d *StageDAG) Statistics() DAGStatistics {
	levels := d.ExecutionLevels()

	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DAGStatistics{TotalStages: len(d.nodes), Depth: len(levels)}
	for _, node := range d.nodes {
		if len(node.dependencies) > stats.MaxDependencies {
			stats.MaxDependencies = len(node.dependencies)
		}
		if len(node.dependents) > stats.MaxDependents {
			stats.MaxDependents = len(node.dependents)
		}
	}
	for _, level := range levels {
		if len(level) > stats.MaxParallelism {
			stats.MaxParallelism = len(level)
		}
	}
	return stats
}
