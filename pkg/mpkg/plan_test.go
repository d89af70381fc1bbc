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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assigned(nameVersion string, requires ...string) *AssignedPackage {
	desc := mkPkg(nameVersion)
	return &AssignedPackage{
		Name:     desc.Name,
		Version:  desc.Version,
		Requires: requires,
		desc:     desc,
	}
}

func installedPkg(nameVersion string, requires ...string) InstalledPackage {
	desc := mkPkg(nameVersion)
	return InstalledPackage{
		Name:     desc.Name,
		Version:  desc.Version,
		Requires: requires,
	}
}

// actionPos returns the index of the action in the plan, failing the
// test when it's missing.
func actionPos(t *testing.T, plan *Plan, kind ActionKind, name string) int {
	for i := range plan.Actions {
		if plan.Actions[i].Kind == kind && plan.Actions[i].Name == name {
			return i
		}
	}
	require.Fail(t, fmt.Sprintf("plan has no action '%v %s'", kind, name))
	return -1
}

// checkPlanValid checks the structural plan invariants: DependsOn
// edges point backwards, builds precede their installs, and the slice
// order is a valid sequential execution.
func checkPlanValid(t *testing.T, plan *Plan) {
	for i := range plan.Actions {
		action := &plan.Actions[i]
		for _, dep := range action.DependsOn {
			assert.Less(t, dep, i, "action %d depends on later action %d", i, dep)
		}
		if action.Kind == ActionInstall {
			buildPos := actionPos(t, plan, ActionBuild, action.Name)
			assert.Contains(t, action.DependsOn, buildPos)
			for j := range plan.Actions {
				if plan.Actions[j].Kind == ActionRemove {
					assert.Contains(t, action.DependsOn, j,
						"install of '%s' must wait for all removals", action.Name)
				}
			}
		}
	}
}

func Test_PlanEmpty(t *testing.T) {
	old := map[string]InstalledPackage{
		"a": installedPkg("a-1.0.0"),
	}
	assignment := Assignment{"a": assigned("a-1.0.0")}
	plan, err := NewPlan(old, assignment)
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func Test_PlanFreshInstall(t *testing.T) {
	assignment := Assignment{
		"a": assigned("a-1.0.0", "b"),
		"b": assigned("b-1.0.0"),
	}
	plan, err := NewPlan(map[string]InstalledPackage{}, assignment)
	require.NoError(t, err)
	checkPlanValid(t, plan)
	require.Len(t, plan.Actions, 4)

	// Dependencies are installed before their dependents.
	assert.Less(t, actionPos(t, plan, ActionInstall, "b"), actionPos(t, plan, ActionBuild, "a"))
	buildA := actionPos(t, plan, ActionBuild, "a")
	installA := actionPos(t, plan, ActionInstall, "a")
	assert.Less(t, buildA, installA)
	// The build of a waits for the install of b.
	assert.Contains(t, plan.Actions[buildA].DependsOn, actionPos(t, plan, ActionInstall, "b"))
}

func Test_PlanRemoveOrder(t *testing.T) {
	// a requires b requires c; removing all three must remove
	// dependents first.
	old := map[string]InstalledPackage{
		"a": installedPkg("a-1.0.0", "b"),
		"b": installedPkg("b-1.0.0", "c"),
		"c": installedPkg("c-1.0.0"),
	}
	plan, err := NewPlan(old, Assignment{})
	require.NoError(t, err)
	checkPlanValid(t, plan)
	require.Len(t, plan.Actions, 3)
	posA := actionPos(t, plan, ActionRemove, "a")
	posB := actionPos(t, plan, ActionRemove, "b")
	posC := actionPos(t, plan, ActionRemove, "c")
	assert.Less(t, posA, posB)
	assert.Less(t, posB, posC)
	// Remove(c) waits for Remove(b) which waits for Remove(a).
	assert.Contains(t, plan.Actions[posC].DependsOn, posB)
	assert.Contains(t, plan.Actions[posB].DependsOn, posA)
}

func Test_PlanVersionChange(t *testing.T) {
	old := map[string]InstalledPackage{
		"a": installedPkg("a-1.0.0"),
	}
	assignment := Assignment{"a": assigned("a-2.0.0")}
	plan, err := NewPlan(old, assignment)
	require.NoError(t, err)
	checkPlanValid(t, plan)
	require.Len(t, plan.Actions, 3)
	removePos := actionPos(t, plan, ActionRemove, "a")
	installPos := actionPos(t, plan, ActionInstall, "a")
	assert.Less(t, removePos, installPos)
	assert.Contains(t, plan.Actions[installPos].DependsOn, removePos)
	assert.Equal(t, "1.0.0", plan.Actions[removePos].Old.Version)
	assert.Equal(t, "2.0.0", plan.Actions[installPos].New.Version)
}

func Test_PlanMixed(t *testing.T) {
	// b is removed, c upgraded, d freshly installed, a untouched.
	old := map[string]InstalledPackage{
		"a": installedPkg("a-1.0.0"),
		"b": installedPkg("b-1.0.0"),
		"c": installedPkg("c-1.0.0"),
	}
	assignment := Assignment{
		"a": assigned("a-1.0.0"),
		"c": assigned("c-2.0.0"),
		"d": assigned("d-1.0.0"),
	}
	plan, err := NewPlan(old, assignment)
	require.NoError(t, err)
	checkPlanValid(t, plan)
	// remove b, remove c, build+install c, build+install d; a untouched.
	assert.Len(t, plan.Actions, 6)
	for i := range plan.Actions {
		assert.NotEqual(t, "a", plan.Actions[i].Name)
	}
}

func Test_PlanRejectsBrokenRemoval(t *testing.T) {
	// The assignment removes b but keeps a which still requires it.
	// The solver never produces this; the planner must refuse it.
	old := map[string]InstalledPackage{
		"a": installedPkg("a-1.0.0", "b"),
		"b": installedPkg("b-1.0.0"),
	}
	assignment := Assignment{"a": assigned("a-1.0.0", "b")}
	_, err := NewPlan(old, assignment)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func Test_PlanRejectsCycles(t *testing.T) {
	assignment := Assignment{
		"a": assigned("a-1.0.0", "b"),
		"b": assigned("b-1.0.0", "a"),
	}
	_, err := NewPlan(map[string]InstalledPackage{}, assignment)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func Test_PlanDeterministic(t *testing.T) {
	old := map[string]InstalledPackage{
		"x": installedPkg("x-1.0.0"),
		"y": installedPkg("y-1.0.0"),
	}
	assignment := Assignment{
		"m": assigned("m-1.0.0"),
		"n": assigned("n-1.0.0"),
	}
	first, err := NewPlan(old, assignment)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := NewPlan(old, assignment)
		require.NoError(t, err)
		require.Equal(t, first.Describe(), again.Describe())
	}
}
