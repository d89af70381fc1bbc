// Copyright (C) 2023 the Mica project authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package mpkg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/micalang/mpkg/pkg/set"
)

// ActionKind is the kind of one atomic transaction step.
type ActionKind int

const (
	ActionRemove ActionKind = iota
	ActionBuild
	ActionInstall
)

func (k ActionKind) String() string {
	switch k {
	case ActionRemove:
		return "remove"
	case ActionBuild:
		return "build"
	case ActionInstall:
		return "install"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is one atomic step of a planned transaction.
type Action struct {
	Kind    ActionKind
	Name    string
	Version string

	// Old is set for removals: the manifest entry being removed.
	Old *InstalledPackage
	// New is set for builds and installs: the assigned package.
	New *AssignedPackage

	// DependsOn are indices of actions that must have completed
	// successfully before this one may start.
	DependsOn []int
}

func (a *Action) String() string {
	return fmt.Sprintf("%s %s %s", a.Kind, a.Name, a.Version)
}

// Plan is an ordered action list. The slice order is a valid
// sequential execution order; DependsOn carries the finer-grained
// dependency structure the executor uses for parallel scheduling.
type Plan struct {
	Actions []Action
}

func (p *Plan) IsEmpty() bool {
	return len(p.Actions) == 0
}

// Describe renders the plan for the user, one action per line.
func (p *Plan) Describe() string {
	lines := make([]string, 0, len(p.Actions))
	for i := range p.Actions {
		lines = append(lines, "  "+p.Actions[i].String())
	}
	return strings.Join(lines, "\n")
}

// NewPlan computes the action sequence that takes the old installed
// set to the new assignment.
//
// Removals are ordered dependent-before-dependency, installs
// dependency-before-dependent (a build action first, then the install
// of its output), and an install never starts before all removals are
// done, so a version change of one package is remove-then-install.
// The dependency graph is re-validated here even though the universe
// already checked it: a cycle at this point is bad index data and
// fatal.
func NewPlan(old map[string]InstalledPackage, assignment Assignment) (*Plan, error) {
	if err := checkAssignmentCycles(assignment); err != nil {
		return nil, err
	}

	removed := set.String{}
	for name, pkg := range old {
		if target, ok := assignment[name]; !ok || target.Version != pkg.Version {
			removed.Add(name)
		}
	}
	installed := set.String{}
	for name, pkg := range assignment {
		if current, ok := old[name]; !ok || current.Version != pkg.Version {
			installed.Add(name)
		}
	}

	// A surviving package must never lose a dependency it still needs.
	for name := range assignment {
		if installed.Contains(name) {
			continue
		}
		for _, dep := range old[name].Requires {
			if removed.Contains(dep) && !installed.Contains(dep) {
				return nil, &FatalError{Err: fmt.Errorf(
					"plan would remove '%s' while installed '%s' still requires it", dep, name)}
			}
		}
	}

	plan := &Plan{}

	// Removals, dependents first: if P requires D and both go away,
	// P's removal precedes D's.
	removeIdx := map[string]int{}
	removeOrder, err := topoOrder(removed, func(name string) []string {
		var deps []string
		for _, dep := range old[name].Requires {
			if removed.Contains(dep) {
				deps = append(deps, dep)
			}
		}
		return deps
	})
	if err != nil {
		return nil, err
	}
	// topoOrder emits dependencies first; removals need the opposite.
	for i, j := 0, len(removeOrder)-1; i < j; i, j = i+1, j-1 {
		removeOrder[i], removeOrder[j] = removeOrder[j], removeOrder[i]
	}
	for _, name := range removeOrder {
		pkg := old[name]
		idx := len(plan.Actions)
		removeIdx[name] = idx
		action := Action{
			Kind:    ActionRemove,
			Name:    name,
			Version: pkg.Version,
			Old:     &pkg,
		}
		plan.Actions = append(plan.Actions, action)
	}
	// Wire the removal dependencies: Remove(D) waits for Remove(P)
	// whenever removed P requires D.
	for _, name := range removeOrder {
		for _, dep := range old[name].Requires {
			if depIdx, ok := removeIdx[dep]; ok {
				action := &plan.Actions[depIdx]
				action.DependsOn = append(action.DependsOn, removeIdx[name])
			}
		}
	}
	allRemoves := make([]int, 0, len(removeIdx))
	for _, idx := range removeIdx {
		allRemoves = append(allRemoves, idx)
	}
	sort.Ints(allRemoves)

	// Installs, dependencies first.
	installOrder, err := topoOrder(installed, func(name string) []string {
		var deps []string
		for _, dep := range assignment[name].Requires {
			if installed.Contains(dep) {
				deps = append(deps, dep)
			}
		}
		return deps
	})
	if err != nil {
		return nil, err
	}
	installIdx := map[string]int{}
	for _, name := range installOrder {
		pkg := assignment[name]
		buildIdx := len(plan.Actions)
		build := Action{
			Kind:    ActionBuild,
			Name:    name,
			Version: pkg.Version,
			New:     pkg,
		}
		for _, dep := range pkg.Requires {
			if idx, ok := installIdx[dep]; ok {
				build.DependsOn = append(build.DependsOn, idx)
			}
		}
		plan.Actions = append(plan.Actions, build)

		install := Action{
			Kind:      ActionInstall,
			Name:      name,
			Version:   pkg.Version,
			New:       pkg,
			DependsOn: append([]int{buildIdx}, allRemoves...),
		}
		installIdx[name] = len(plan.Actions)
		plan.Actions = append(plan.Actions, install)
	}

	return plan, nil
}

// topoOrder returns the names in dependency-first order, restricted
// to the given set. deps returns the in-set dependencies of a name.
// Deterministic: ready names are taken in sorted order.
func topoOrder(names set.String, deps func(string) []string) ([]string, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, name := range names.SortedValues() {
		indegree[name] += 0
		for _, dep := range deps(name) {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	var ready []string
	for _, name := range names.SortedValues() {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(indegree) {
		var stuck []string
		for name, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &FatalError{Err: fmt.Errorf("%w: %v", ErrCyclicDependency, stuck)}
	}
	return order, nil
}

// checkAssignmentCycles re-validates that the chosen packages form an
// acyclic dependency graph.
func checkAssignmentCycles(assignment Assignment) error {
	names := set.String{}
	for name := range assignment {
		names.Add(name)
	}
	_, err := topoOrder(names, func(name string) []string {
		return assignment[name].Requires
	})
	return err
}
