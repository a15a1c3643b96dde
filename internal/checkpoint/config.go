// Package checkpoint enforces per-task analysis checkpoints: resolving tool
// calls are rejected until the investigation steps required for the task's
// category have been observed in the tool-call history.
package checkpoint

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/autopilot/internal/state"
)

// Spec declares one required checkpoint. Exactly one completion predicate
// applies, chosen in order: TargetFiles, PathContains, then plain
// SatisfiedBy membership.
type Spec struct {
	Name        string   `koanf:"name"`
	Description string   `koanf:"description"`
	// SatisfiedBy lists the tool names whose calls can satisfy this step.
	SatisfiedBy []string `koanf:"satisfied_by"`
	// TargetFiles requires every task target file to appear as an argument
	// to one of the satisfying tools.
	TargetFiles bool `koanf:"target_files"`
	// PathContains requires some argument of a satisfying call to contain
	// this substring.
	PathContains string `koanf:"path_contains"`
	// After names checkpoints that must be listed before this one when
	// recommending the next step.
	After []string `koanf:"after"`
}

// CategorySets maps a task category to its required checkpoints. The mapping
// is configuration, not code: new categories need only a config entry.
type CategorySets map[state.TaskCategory][]Spec

// orderSpecs returns the specs in a deterministic prerequisite order using
// the declared After edges. A cycle or an unknown reference is a
// configuration defect reported as an error.
func orderSpecs(specs []Spec) ([]Spec, error) {
	byName := make(map[string]Spec, len(specs))
	var edges []toposort.Edge
	for _, s := range specs {
		byName[s.Name] = s
		if len(s.After) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Name})
			continue
		}
		for _, dep := range s.After {
			edges = append(edges, toposort.Edge{dep, s.Name})
		}
	}
	for _, s := range specs {
		for _, dep := range s.After {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("checkpoint %q depends on undeclared checkpoint %q", s.Name, dep)
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("checkpoint ordering contains a cycle: %w", err)
	}
	ordered := make([]Spec, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		name := v.(string)
		if spec, ok := byName[name]; ok && !seen[name] {
			ordered = append(ordered, spec)
			seen[name] = true
		}
	}
	// Specs not mentioned in any edge keep declaration order at the end.
	for _, s := range specs {
		if !seen[s.Name] {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// DefaultCategorySets returns the built-in category configuration.
func DefaultCategorySets() CategorySets {
	readTargets := Spec{
		Name:        "read_target_files",
		Description: "Read every target file to understand its current content",
		SatisfiedBy: []string{"read_file"},
		TargetFiles: true,
	}
	readArchitecture := Spec{
		Name:         "read_architecture",
		Description:  "Read ARCHITECTURE.md to understand design intent",
		SatisfiedBy:  []string{"read_file"},
		PathContains: "ARCHITECTURE.md",
		After:        []string{"read_target_files"},
	}
	compare := Spec{
		Name:        "compare_implementations",
		Description: "Compare the conflicting implementations",
		SatisfiedBy: []string{"compare_file_implementations"},
		After:       []string{"read_architecture"},
	}

	return CategorySets{
		state.CategoryIntegrationConflict: {readTargets, readArchitecture, compare},
		state.CategoryDuplicateCode: {
			readTargets,
			{
				Name:        "compare_implementations",
				Description: "Compare the duplicate implementations",
				SatisfiedBy: []string{"compare_file_implementations"},
				After:       []string{"read_target_files"},
			},
		},
		state.CategoryDeadCode: {
			readTargets,
			{
				Name:        "confirm_unreferenced",
				Description: "Confirm the code is unreferenced before removal",
				SatisfiedBy: []string{"detect_dead_code", "analyze_import_impact"},
				After:       []string{"read_target_files"},
			},
		},
		state.CategoryComplexityViolation: {
			readTargets,
			{
				Name:        "measure_complexity",
				Description: "Measure complexity of the offending code",
				SatisfiedBy: []string{"analyze_complexity"},
				After:       []string{"read_target_files"},
			},
		},
		state.CategoryArchitectureViolation: {readTargets, readArchitecture},
		state.CategoryMissingImplementation: {readTargets},
		state.CategoryBugFix:                {readTargets},
	}
}
