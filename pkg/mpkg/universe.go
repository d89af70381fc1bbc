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

// InstallArg is one `install name@constraint` element of a request.
// An empty constraint accepts any version.
type InstallArg struct {
	Name       string
	Constraint string
}

// Request is what the user asked for: hard constraints the solver must
// honor. Installs require the package present (at a version satisfying
// the constraint), Removes fix it to absent, Pins fix it to one exact
// version.
type Request struct {
	Installs []InstallArg
	Removes  []string
	Pins     map[string]string
}

// Preferences steer which of several satisfying assignments the
// solver picks. The lexicographic order itself (fewest removals,
// fewest changes, newest among changed, fewest new optional packages)
// is fixed; these knobs decide which packages take part in it.
type Preferences struct {
	// UpgradeAll drops the stay-on-current-version preference for
	// every installed package.
	UpgradeAll bool
	// Upgrade drops it for the listed packages only.
	Upgrade set.String
	// InstallOptional also installs optional dependencies that are not
	// yet present. Off by default: new optional packages are only
	// pulled in when something else requires them.
	InstallOptional bool
}

type depEdge struct {
	from          string
	name          string
	constraintStr string
	constraints   version.Constraints
	optional      bool
}

type conflictEdge struct {
	from          string
	name          string
	constraintStr string
	// nil constraints conflict with every version.
	constraints version.Constraints
}

// candidate is one possible version choice for a variable.
type candidate struct {
	desc      *Desc
	version   *version.Version
	deps      []depEdge
	conflicts []conflictEdge
}

// problemVar is the solver variable for one package name.
// Its domain is the candidates plus the implicit "absent" value.
type problemVar struct {
	name       string
	candidates []*candidate
}

// rootReq is a hard "must be present" requirement: either straight
// from the request, or an installed package the user didn't ask to
// remove.
type rootReq struct {
	name          string
	constraintStr string
	constraints   version.Constraints
	source        string
	explicit      bool
	fromRequest   bool
}

// Problem is the constraint problem handed to the solver: one
// variable per package name reachable from the request or the current
// state, hard roots, and names held absent.
type Problem struct {
	vars    map[string]*problemVar
	roots   []rootReq
	absent  set.String
	current map[string]InstalledPackage
	prefs   Preferences
	env     map[string]string
}

// BuildProblem translates (current switch, index, request) into a
// constraint problem.
// Self-contradictory requests fail with RequestError before any
// solving happens. Cyclic dependency data in the index is fatal.
func BuildProblem(index *Index, sw *Switch, req *Request, env map[string]string, prefs Preferences, ui UI) (*Problem, error) {
	if err := validateRequest(sw, req); err != nil {
		return nil, err
	}

	p := &Problem{
		vars:    map[string]*problemVar{},
		absent:  set.NewString(req.Removes...),
		current: sw.Installed,
		prefs:   prefs,
		env:     env,
	}

	pins := map[string]string{}
	for name, v := range sw.Pins {
		pins[name] = v
	}
	for name, v := range req.Pins {
		pins[name] = v
	}

	// Roots: requested installs plus every explicitly installed
	// package the user didn't ask to remove. Packages that were only
	// installed as dependencies are not roots; they survive only as
	// long as some root still needs them.
	for _, arg := range req.Installs {
		var constraints version.Constraints
		if arg.Constraint != "" {
			var err error
			constraints, err = parseInstallConstraint(arg.Constraint)
			if err != nil {
				return nil, &RequestError{Message: fmt.Sprintf("invalid constraint '%s' for '%s': %v", arg.Constraint, arg.Name, err)}
			}
		}
		p.roots = append(p.roots, rootReq{
			name:          arg.Name,
			constraintStr: arg.Constraint,
			constraints:   constraints,
			source:        "request",
			explicit:      true,
			fromRequest:   true,
		})
	}
	requested := set.String{}
	for _, arg := range req.Installs {
		requested.Add(arg.Name)
	}
	for _, name := range sw.InstalledNames() {
		pkg := sw.Installed[name]
		if !pkg.Explicit || p.absent.Contains(name) || requested.Contains(name) {
			continue
		}
		p.roots = append(p.roots, rootReq{
			name:     name,
			source:   "installed",
			explicit: true,
		})
	}

	// Build the variables for the dependency closure of the roots and
	// the current state.
	worklist := []string{}
	for _, root := range p.roots {
		worklist = append(worklist, root.name)
	}
	for _, name := range sw.InstalledNames() {
		if !p.absent.Contains(name) {
			worklist = append(worklist, name)
		}
	}
	for len(worklist) > 0 {
		name := worklist[0]
		worklist = worklist[1:]
		if _, done := p.vars[name]; done {
			continue
		}
		v := &problemVar{name: name}
		p.vars[name] = v
		for _, entry := range index.Lookup(name) {
			if pinned, ok := pins[name]; ok && entry.Desc.Version != pinned {
				continue
			}
			cand, err := p.newCandidate(entry, sw, requested)
			if err != nil {
				return nil, err
			}
			v.candidates = append(v.candidates, cand)
			for _, dep := range cand.deps {
				worklist = append(worklist, dep.name)
			}
		}
		p.orderCandidates(v)
	}

	if err := p.checkCycles(); err != nil {
		return nil, err
	}
	return p, nil
}

func validateRequest(sw *Switch, req *Request) error {
	removed := set.NewString(req.Removes...)
	for _, arg := range req.Installs {
		if removed.Contains(arg.Name) {
			return &RequestError{Message: fmt.Sprintf("cannot both install and remove '%s'", arg.Name)}
		}
	}
	for name := range req.Pins {
		if removed.Contains(name) {
			return &RequestError{Message: fmt.Sprintf("cannot both pin and remove '%s'", name)}
		}
	}
	for _, name := range req.Removes {
		if _, installed := sw.Installed[name]; !installed {
			return &RequestError{Message: fmt.Sprintf("'%s' is not installed", name)}
		}
	}
	return nil
}

func (p *Problem) newCandidate(entry IndexEntry, sw *Switch, requested set.String) (*candidate, error) {
	cand := &candidate{
		desc:    entry.Desc,
		version: entry.Version,
	}
	for _, dep := range entry.Desc.Deps {
		if !dep.Live(p.env) {
			continue
		}
		if dep.Optional && !p.prefs.InstallOptional {
			// Optional dependencies only count when the target is
			// around anyway.
			_, installed := sw.Installed[dep.Name]
			if !installed && !requested.Contains(dep.Name) {
				continue
			}
		}
		var constraints version.Constraints
		if dep.Constraint != "" {
			var err error
			constraints, err = parseConstraint(dep.Constraint)
			if err != nil {
				return nil, &FatalError{Err: fmt.Errorf("package '%s %s' has invalid constraint '%s' on '%s'",
					entry.Desc.Name, entry.Desc.Version, dep.Constraint, dep.Name)}
			}
		}
		cand.deps = append(cand.deps, depEdge{
			from:          entry.Desc.Name + " " + entry.Desc.Version,
			name:          dep.Name,
			constraintStr: dep.Constraint,
			constraints:   constraints,
			optional:      dep.Optional,
		})
	}
	for _, conflict := range entry.Desc.Conflicts {
		var constraints version.Constraints
		if conflict.Constraint != "" {
			var err error
			constraints, err = parseConstraint(conflict.Constraint)
			if err != nil {
				return nil, &FatalError{Err: fmt.Errorf("package '%s %s' has invalid conflict constraint '%s' on '%s'",
					entry.Desc.Name, entry.Desc.Version, conflict.Constraint, conflict.Name)}
			}
		}
		cand.conflicts = append(cand.conflicts, conflictEdge{
			from:          entry.Desc.Name + " " + entry.Desc.Version,
			name:          conflict.Name,
			constraintStr: conflict.Constraint,
			constraints:   constraints,
		})
	}
	return cand, nil
}

// orderCandidates sorts a variable's domain into preference order:
// the currently installed version first (unless the package is being
// upgraded), then the remaining versions newest first. The solver
// takes candidates front to back, so this ordering is what implements
// "stay close to the current state, otherwise prefer recency".
func (p *Problem) orderCandidates(v *problemVar) {
	sort.SliceStable(v.candidates, func(i, j int) bool {
		return v.candidates[i].version.GreaterThan(v.candidates[j].version)
	})
	if p.prefs.UpgradeAll || p.prefs.Upgrade.Contains(v.name) {
		return
	}
	pkg, installed := p.current[v.name]
	if !installed {
		return
	}
	for i, cand := range v.candidates {
		if cand.desc.Version == pkg.Version {
			// Move the current version to the front, keeping the
			// relative order of everything else.
			for j := i; j > 0; j-- {
				v.candidates[j] = v.candidates[j-1]
			}
			v.candidates[0] = cand
			break
		}
	}
}

// checkCycles rejects dependency cycles in the reachable part of the
// index. A cycle is bad index data: the planner could never order its
// actions, so it is reported as fatal instead of being solved around.
func (p *Problem) checkCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &FatalError{Err: fmt.Errorf("%w: %v", ErrCyclicDependency, append(trail, name))}
		}
		state[name] = visiting
		v := p.vars[name]
		if v != nil {
			targets := set.String{}
			for _, cand := range v.candidates {
				for _, dep := range cand.deps {
					targets.Add(dep.name)
				}
			}
			for _, target := range targets.SortedValues() {
				if err := visit(target, append(trail, name)); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	names := make([]string, 0, len(p.vars))
	for name := range p.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// withoutRoot returns a copy of the problem lacking one request-level
// constraint. Used to shrink conflict explanations to a minimal core.
func (p *Problem) withoutRoot(skip int) *Problem {
	clone := *p
	clone.roots = nil
	for i, root := range p.roots {
		if i != skip {
			clone.roots = append(clone.roots, root)
		}
	}
	return &clone
}

// withoutAbsent returns a copy of the problem where name is no longer
// held absent.
func (p *Problem) withoutAbsent(name string) *Problem {
	clone := *p
	clone.absent = set.String{}
	for _, a := range p.absent.SortedValues() {
		if a != name {
			clone.absent.Add(a)
		}
	}
	return &clone
}
