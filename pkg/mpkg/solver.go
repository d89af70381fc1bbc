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

	"github.com/hashicorp/go-version"
	"github.com/micalang/mpkg/pkg/set"
)

// Solver finds a consistent version assignment for a Problem.
//
// It is a backtracking search: a working queue of dependency edges to
// satisfy, a continuation stack that remembers which candidate to try
// next for each entry, and an undo stack that reverts the partial
// solution when a branch dies. Candidates are tried in the problem's
// preference order, so the first full solution found is also the
// preferred one, and solving the same problem twice yields the same
// assignment.
type Solver struct {
	problem       *Problem
	ui            UI
	state         solverState
	printedErrors set.String

	// lastFailure holds the constraints involved in the most recent
	// dead end with a concrete cause. It seeds the unsatisfiable core
	// when the whole search fails.
	lastFailure []CoreConstraint
}

// AssignedPackage is the chosen version for one name of an Assignment.
type AssignedPackage struct {
	Name    string
	Version string
	Hash    string
	// Explicit is true when the user asked for the package by name,
	// now or in an earlier transaction.
	Explicit bool
	// Requires lists the assignment packages this package's live
	// dependencies resolved to.
	Requires []string

	desc *Desc
	ver  *version.Version
}

// Assignment maps package name to the chosen package. Absent packages
// simply have no entry.
type Assignment map[string]*AssignedPackage

type solverState struct {
	// The partial solution so far.
	chosen map[string]*chosenPkg

	// The dependencies we are trying to satisfy. Dependencies on the
	// same package may appear multiple times; later entries must agree
	// with the version chosen earlier.
	workingQueue []*workItem

	// continuations contains the information necessary to continue
	// exploring the remaining candidates for an entry.
	continuations continuationsStack

	// Undo information if a candidate didn't work out.
	undos undoStack
}

type chosenPkg struct {
	cand       *candidate
	requiredBy []string
}

// workItem is one dependency edge waiting to be satisfied.
type workItem struct {
	name          string
	constraintStr string
	constraints   version.Constraints
	// Where the edge comes from: "request", "installed", or
	// "name version" of the declaring package.
	source string
}

type continuationsStack []solverContinuation
type undoStack []undoInfo

func (cs *continuationsStack) Push(cont solverContinuation) {
	*cs = append(*cs, cont)
}

func (cs *continuationsStack) Pop() solverContinuation {
	l := len(*cs)
	result := (*cs)[l-1]
	*cs = (*cs)[:l-1]
	return result
}

func (us *undoStack) Push(undo undoInfo) {
	*us = append(*us, undo)
}

func (us *undoStack) Pop() undoInfo {
	l := len(*us)
	result := (*us)[l-1]
	*us = (*us)[:l-1]
	return result
}

// solverContinuation is the index into the candidate list of a
// variable. The solver goes through all candidates and sees if one
// works.
type solverContinuation struct {
	index int
}

type undoInfo struct {
	// The length of the working queue at the time we handled the
	// entry. We have to trim all entries we added.
	workingQueueLen int
	// The name whose choice has to be removed again. Empty if the
	// entry only agreed with an earlier choice.
	chosenName string
	// The name whose requiredBy list we extended.
	requiredByName string
}

// NewSolver returns a solver for the given problem.
func NewSolver(problem *Problem, ui UI) *Solver {
	return &Solver{
		problem: problem,
		ui:      ui,
	}
}

// Solve computes an assignment satisfying the problem, or a
// *ConflictError carrying a minimal unsatisfiable core when none
// exists.
func (s *Solver) Solve() (Assignment, error) {
	if result := s.search(); result != nil {
		return result, nil
	}
	return nil, s.explain()
}

// search runs the backtracking loop. Returns nil when the problem has
// no solution.
func (s *Solver) search() Assignment {
	s.state = solverState{
		chosen:        map[string]*chosenPkg{},
		workingQueue:  []*workItem{},
		continuations: []solverContinuation{},
		undos:         []undoInfo{},
	}
	for _, root := range s.problem.roots {
		localRoot := root
		s.state.workingQueue = append(s.state.workingQueue, &workItem{
			name:          localRoot.name,
			constraintStr: localRoot.constraintStr,
			constraints:   localRoot.constraints,
			source:        localRoot.source,
		})
	}

	workingIndex := 0
	// Solving strategy:
	// - The working queue contains dependency edges that haven't been
	//   satisfied yet. There might already be a chosen version for the
	//   target, in which case the edge must agree with it.
	// - For each entry we try all candidates in preference order.
	//   Accepting one adds the candidate's own dependencies to the
	//   queue.
	// - The continuation stack remembers where to resume for an entry
	//   when a later entry forces backtracking; the undo stack reverts
	//   the choices that turned out wrong.
	for {
		if workingIndex >= len(s.state.workingQueue) {
			// We have successfully handled all entries: solution found.
			return s.assignment()
		}
		if workingIndex < 0 {
			// No solution exists.
			return nil
		}

		entry := s.state.workingQueue[workingIndex]
		cont := solverContinuation{}
		if len(s.state.continuations) == workingIndex+1 {
			cont = s.state.continuations.Pop()
		}
		success, cont, undo := s.solveDep(entry, cont)
		if success {
			workingIndex++
			s.state.continuations.Push(cont)
			s.state.undos.Push(undo)
		} else {
			workingIndex--
			if len(s.state.undos) != 0 {
				undo := s.state.undos.Pop()
				s.applyUndo(undo)
			}
		}
	}
}

func (s *Solver) solveDep(item *workItem, cont solverContinuation) (bool, solverContinuation, undoInfo) {
	name := item.name

	if s.problem.absent.Contains(name) {
		s.fail(item, []CoreConstraint{
			{Source: "request", Detail: fmt.Sprintf("remove '%s'", name)},
			{Source: item.source, Detail: fmt.Sprintf("requires '%s%s', but '%s' is held absent by the request",
				name, constraintSuffix(item.constraintStr), name)},
		})
		return false, solverContinuation{}, undoInfo{}
	}

	v := s.problem.vars[name]
	if v == nil || len(v.candidates) == 0 {
		s.fail(item, []CoreConstraint{
			{Source: item.source, Detail: fmt.Sprintf("requires '%s%s', but no version of '%s' is available",
				name, constraintSuffix(item.constraintStr), name)},
		})
		return false, solverContinuation{}, undoInfo{}
	}

	index := cont.index
	foundSatisfying := index != 0 // We already found one last time.
	var reasons []CoreConstraint
	existing := s.state.chosen[name]
	for index < len(v.candidates) {
		cand := v.candidates[index]
		index++
		if item.constraints != nil && !item.constraints.Check(cand.version) {
			continue
		}
		foundSatisfying = true
		if existing != nil && existing.cand != cand {
			// An earlier edge already fixed this package to another
			// version. Only that version is acceptable.
			continue
		}
		if conflict := s.conflictWithChosen(cand); conflict != nil {
			reasons = append(reasons, *conflict)
			continue
		}

		undo := undoInfo{
			workingQueueLen: len(s.state.workingQueue),
		}
		if existing == nil {
			s.state.chosen[name] = &chosenPkg{
				cand:       cand,
				requiredBy: []string{item.source},
			}
			s.addDeps(cand)
			undo.chosenName = name
		} else {
			existing.requiredBy = append(existing.requiredBy, item.source)
			undo.requiredByName = name
		}
		return true, solverContinuation{index: index}, undo
	}

	if !foundSatisfying {
		detail := fmt.Sprintf("no version of '%s' satisfies '%s'", name, item.constraintStr)
		if existing != nil {
			detail = fmt.Sprintf("requires '%s%s', but '%s %s' was already selected",
				name, constraintSuffix(item.constraintStr), name, existing.cand.desc.Version)
		}
		reasons = append(reasons, CoreConstraint{Source: item.source, Detail: detail})
	}
	s.fail(item, reasons)
	return false, solverContinuation{}, undoInfo{}
}

// conflictWithChosen checks the candidate against the partial
// solution in both directions: conflicts it declares, and conflicts
// declared against it.
func (s *Solver) conflictWithChosen(cand *candidate) *CoreConstraint {
	for _, conflict := range cand.conflicts {
		chosen, ok := s.state.chosen[conflict.name]
		if !ok {
			continue
		}
		if conflict.constraints == nil || conflict.constraints.Check(chosen.cand.version) {
			return &CoreConstraint{
				Source: conflict.from,
				Detail: fmt.Sprintf("conflicts with '%s%s' (selected: %s)",
					conflict.name, constraintSuffix(conflict.constraintStr), chosen.cand.desc.Version),
			}
		}
	}
	chosenNames := make([]string, 0, len(s.state.chosen))
	for chosenName := range s.state.chosen {
		chosenNames = append(chosenNames, chosenName)
	}
	sort.Strings(chosenNames)
	for _, chosenName := range chosenNames {
		chosen := s.state.chosen[chosenName]
		for _, conflict := range chosen.cand.conflicts {
			if conflict.name != cand.desc.Name {
				continue
			}
			if conflict.constraints == nil || conflict.constraints.Check(cand.version) {
				return &CoreConstraint{
					Source: conflict.from,
					Detail: fmt.Sprintf("conflicts with '%s%s' (candidate: %s of '%s')",
						conflict.name, constraintSuffix(conflict.constraintStr), cand.desc.Version, chosenName),
				}
			}
		}
	}
	return nil
}

// addDeps adds all dependency edges of the candidate to the working
// queue. They will be checked when it's their turn.
func (s *Solver) addDeps(cand *candidate) {
	for _, dep := range cand.deps {
		localDep := dep
		s.state.workingQueue = append(s.state.workingQueue, &workItem{
			name:          localDep.name,
			constraintStr: localDep.constraintStr,
			constraints:   localDep.constraints,
			source:        localDep.from,
		})
	}
}

func (s *Solver) applyUndo(undo undoInfo) {
	if undo.workingQueueLen != 0 {
		s.state.workingQueue = s.state.workingQueue[:undo.workingQueueLen]
	}
	if undo.chosenName != "" {
		delete(s.state.chosen, undo.chosenName)
	}
	if undo.requiredByName != "" {
		chosen := s.state.chosen[undo.requiredByName]
		chosen.requiredBy = chosen.requiredBy[:len(chosen.requiredBy)-1]
	}
}

// fail records a dead end. Only dead ends with concrete reasons
// overwrite the last failure; backtracking through entries that merely
// ran out of alternatives keeps the original cause.
func (s *Solver) fail(item *workItem, reasons []CoreConstraint) {
	for _, reason := range reasons {
		msg := reason.String()
		if !s.printedErrors.Contains(msg) {
			s.ui.ReportWarning("%s", msg)
			s.printedErrors.Add(msg)
		}
	}
	if len(reasons) != 0 {
		s.lastFailure = reasons
	}
}

// assignment converts the complete partial solution into an
// Assignment.
func (s *Solver) assignment() Assignment {
	explicit := set.String{}
	for _, root := range s.problem.roots {
		if root.explicit {
			explicit.Add(root.name)
		}
	}
	result := Assignment{}
	for name, chosen := range s.state.chosen {
		var requires []string
		for _, dep := range chosen.cand.deps {
			if _, present := s.state.chosen[dep.name]; present {
				requires = append(requires, dep.name)
			}
		}
		sort.Strings(requires)
		result[name] = &AssignedPackage{
			Name:     name,
			Version:  chosen.cand.desc.Version,
			Hash:     chosen.cand.desc.Hash,
			Explicit: explicit.Contains(name),
			Requires: requires,
			desc:     chosen.cand.desc,
			ver:      chosen.cand.version,
		}
	}
	return result
}

// explain builds the unsatisfiable core for a failed search.
// Request-level constraints are minimized by deletion: a constraint
// stays in the core only if dropping it makes the problem satisfiable.
func (s *Solver) explain() *ConflictError {
	core := []CoreConstraint{}

	p := s.problem
	i := 0
	for i < len(p.roots) {
		root := p.roots[i]
		if !root.fromRequest {
			i++
			continue
		}
		trial := NewSolver(p.withoutRoot(i), NullUI)
		if trial.search() == nil {
			// Still unsatisfiable without it; not part of the core.
			p = p.withoutRoot(i)
			continue
		}
		core = append(core, CoreConstraint{
			Source: "request",
			Detail: fmt.Sprintf("install '%s%s'", root.name, constraintSuffix(root.constraintStr)),
		})
		i++
	}
	for _, name := range p.absent.SortedValues() {
		trial := NewSolver(p.withoutAbsent(name), NullUI)
		if trial.search() == nil {
			p = p.withoutAbsent(name)
			continue
		}
		core = append(core, CoreConstraint{
			Source: "request",
			Detail: fmt.Sprintf("remove '%s'", name),
		})
	}

	seen := set.String{}
	for _, c := range core {
		seen.Add(c.String())
	}
	for _, reason := range s.lastFailure {
		if !seen.Contains(reason.String()) {
			seen.Add(reason.String())
			core = append(core, reason)
		}
	}
	return &ConflictError{Core: core}
}

func constraintSuffix(constraintStr string) string {
	if constraintStr == "" {
		return ""
	}
	return " " + constraintStr
}

// Validate checks the central consistency invariant on an assignment:
// every present package's live, non-optional dependencies are
// satisfied by a present package, and no two present packages declare
// a conflict on each other.
func (a Assignment) Validate(env map[string]string) error {
	for name, pkg := range a {
		for _, dep := range pkg.desc.Deps {
			if dep.Optional || !dep.Live(env) {
				continue
			}
			target, present := a[dep.Name]
			if !present {
				return fmt.Errorf("assignment broken: '%s %s' requires '%s' which is absent", name, pkg.Version, dep.Name)
			}
			if dep.Constraint != "" {
				constraints, err := parseConstraint(dep.Constraint)
				if err != nil {
					return err
				}
				if !constraints.Check(target.ver) {
					return fmt.Errorf("assignment broken: '%s %s' requires '%s %s', got '%s'",
						name, pkg.Version, dep.Name, dep.Constraint, target.Version)
				}
			}
		}
		for _, conflict := range pkg.desc.Conflicts {
			target, present := a[conflict.Name]
			if !present {
				continue
			}
			if conflict.Constraint == "" {
				return fmt.Errorf("assignment broken: '%s' conflicts with '%s'", name, conflict.Name)
			}
			constraints, err := parseConstraint(conflict.Constraint)
			if err != nil {
				return err
			}
			if constraints.Check(target.ver) {
				return fmt.Errorf("assignment broken: '%s' conflicts with '%s %s'", name, conflict.Name, target.Version)
			}
		}
	}
	return nil
}

// Names returns the names of all present packages, sorted.
func (a Assignment) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
