package workflow

import (
	"fmt"
	"strings"

	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// validate checks a workflow's stage list for structural and context-flow
// errors before any task is spawned: duplicate names, unknown
// dependencies, cycles, overlapping Produces keys among a stage's direct
// predecessors, and RequiresContext keys no predecessor (or context_root)
// can supply. It returns the stages in topological order.
func validate(stages []types.StageDef, contextRoot map[string][]byte) ([]types.StageDef, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("workflow: must declare at least one stage")
	}

	byName := make(map[string]types.StageDef, len(stages))
	for _, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("workflow: stage missing name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("workflow: duplicate stage name %q", name)
		}
		byName[name] = s
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("workflow: stage %q depends on unknown stage %q", s.Name, dep)
			}
		}
	}

	order, err := topoSort(stages)
	if err != nil {
		return nil, err
	}

	rootKeys := make(map[string]bool, len(contextRoot))
	for k := range contextRoot {
		rootKeys[k] = true
	}

	for _, s := range stages {
		produced := make(map[string]string) // key -> producing predecessor
		for _, dep := range s.DependsOn {
			for _, key := range byName[dep].Produces {
				if owner, ok := produced[key]; ok {
					return nil, fmt.Errorf("workflow: stage %q has two direct dependencies (%q, %q) that both produce context key %q", s.Name, owner, dep, key)
				}
				produced[key] = dep
			}
		}
		for _, need := range s.RequiresContext {
			if rootKeys[need] {
				continue
			}
			if _, ok := produced[need]; ok {
				continue
			}
			return nil, fmt.Errorf("workflow: stage %q requires context key %q, which is not in context_root and not produced by any direct dependency", s.Name, need)
		}
	}

	ordered := make([]types.StageDef, 0, len(order))
	for _, name := range order {
		ordered = append(ordered, byName[name])
	}
	return ordered, nil
}

// topoSort runs Kahn's algorithm over stages, returning stage names in
// dependency order. It assumes names are already known to be unique and
// DependsOn references already known to be valid.
func topoSort(stages []types.StageDef) ([]string, error) {
	indegree := make(map[string]int, len(stages))
	children := make(map[string][]string, len(stages))
	for _, s := range stages {
		indegree[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			children[dep] = append(children[dep], s.Name)
		}
	}

	order := make([]string, 0, len(stages))
	added := make(map[string]bool, len(stages))

	for {
		progressed := false
		for _, s := range stages {
			if added[s.Name] || indegree[s.Name] != 0 {
				continue
			}
			added[s.Name] = true
			order = append(order, s.Name)
			for _, child := range children[s.Name] {
				indegree[child]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(order) != len(stages) {
		return nil, fmt.Errorf("workflow: cycle detected among stages")
	}
	return order, nil
}
