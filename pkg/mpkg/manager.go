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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/micalang/mpkg/pkg/set"
)

// Manager serves as entry point for all package-management related
// operations. Use NewManager to create a new manager.
type Manager struct {
	// The loaded registries.
	registries Registries

	// The switch store.
	store *Store

	builder Builder
	fetcher Fetcher

	// The UI to communicate with the user.
	ui UI

	// Environment the dependency filters are evaluated against and
	// that builds run with. The switch's config overlay is merged on
	// top per operation.
	env map[string]string

	// Jobs bounds the executor's parallelism.
	Jobs int
	// ActionTimeout bounds each external build/install step.
	ActionTimeout time.Duration
}

func NewManager(registries Registries, store *Store, builder Builder, fetcher Fetcher, env map[string]string, ui UI) *Manager {
	return &Manager{
		registries: registries,
		store:      store,
		builder:    builder,
		fetcher:    fetcher,
		env:        env,
		ui:         ui,
		Jobs:       1,
	}
}

// ParseInstallArg splits an `install` argument of the form
// 'name@constraint' (the constraint part being optional).
func ParseInstallArg(arg string) (InstallArg, error) {
	name := arg
	constraint := ""
	if atPos := strings.LastIndexByte(arg, '@'); atPos > 0 {
		name = arg[:atPos]
		constraint = arg[atPos+1:]
		if constraint == "" {
			return InstallArg{}, &RequestError{Message: fmt.Sprintf("missing version after '@' in '%s'", arg)}
		}
	}
	if name == "" {
		return InstallArg{}, &RequestError{Message: "missing package name"}
	}
	return InstallArg{
		Name:       name,
		Constraint: constraint,
	}, nil
}

// Install resolves and installs the given packages into the switch.
// Arguments are of the form 'name' or 'name@constraint'.
func (m *Manager) Install(ctx context.Context, switchName string, args []string) error {
	req := &Request{}
	for _, arg := range args {
		installArg, err := ParseInstallArg(arg)
		if err != nil {
			return err
		}
		req.Installs = append(req.Installs, installArg)
	}
	return m.apply(ctx, switchName, req, Preferences{})
}

// Remove removes the given packages from the switch. Dependencies
// that were only installed for them are removed as well.
func (m *Manager) Remove(ctx context.Context, switchName string, names []string) error {
	req := &Request{
		Removes: names,
	}
	return m.apply(ctx, switchName, req, Preferences{})
}

// Upgrade re-resolves the switch preferring newer versions. With no
// names every installed package is upgraded, otherwise only the named
// ones.
func (m *Manager) Upgrade(ctx context.Context, switchName string, names []string) error {
	prefs := Preferences{}
	if len(names) == 0 {
		prefs.UpgradeAll = true
	} else {
		prefs.Upgrade = set.NewString(names...)
	}
	return m.apply(ctx, switchName, &Request{}, prefs)
}

// Pin fixes a package to one exact version. The pin is persisted with
// the switch and honored by every later resolution until Unpin.
func (m *Manager) Pin(ctx context.Context, switchName string, name string, v string) error {
	req := &Request{
		Pins: map[string]string{name: v},
	}
	return m.apply(ctx, switchName, req, Preferences{})
}

// Unpin removes the pin of a package and re-resolves.
func (m *Manager) Unpin(ctx context.Context, switchName string, name string) error {
	return m.store.WithLock(ctx, switchName, func() error {
		sw, err := m.store.Load(switchName)
		if err != nil {
			return err
		}
		if _, ok := sw.Pins[name]; !ok {
			return &RequestError{Message: fmt.Sprintf("'%s' is not pinned", name)}
		}
		delete(sw.Pins, name)
		return m.store.Save(sw)
	})
}

// List returns the installed packages of the switch, sorted by name.
func (m *Manager) List(switchName string) ([]InstalledPackage, error) {
	sw, err := m.store.Load(switchName)
	if err != nil {
		return nil, err
	}
	var result []InstalledPackage
	for _, name := range sw.InstalledNames() {
		result = append(result, sw.Installed[name])
	}
	return result, nil
}

// Search searches all registries for packages matching the pattern.
func (m *Manager) Search(pattern string) ([]*Desc, error) {
	return m.registries.SearchName(pattern)
}

// apply runs the full pipeline for one request: lock the switch,
// build the constraint problem, solve it, plan the transaction, and
// execute it.
func (m *Manager) apply(ctx context.Context, switchName string, req *Request, prefs Preferences) error {
	return m.store.WithLock(ctx, switchName, func() error {
		sw, err := m.store.Load(switchName)
		if err != nil {
			return err
		}

		index, err := NewIndex(m.registries, m.ui)
		if err != nil {
			return err
		}
		// Requested packages must exist in the index; a typo is a user
		// error, not a resolution conflict.
		for _, arg := range req.Installs {
			if _, err := index.Require(arg.Name); err != nil {
				return err
			}
		}
		for name, v := range req.Pins {
			entries, err := index.Require(name)
			if err != nil {
				return err
			}
			found := false
			for _, entry := range entries {
				if entry.Desc.Version == v {
					found = true
					break
				}
			}
			if !found {
				return &RequestError{Message: fmt.Sprintf("cannot pin '%s' to unknown version '%s'", name, v)}
			}
		}

		env := m.resolutionEnv(sw)
		problem, err := BuildProblem(index, sw, req, env, prefs, m.ui)
		if err != nil {
			return err
		}
		assignment, err := NewSolver(problem, m.ui).Solve()
		if err != nil {
			return err
		}
		if err := assignment.Validate(env); err != nil {
			// The solver must never hand out a broken assignment.
			return &FatalError{Err: err}
		}

		plan, err := NewPlan(sw.Installed, assignment)
		if err != nil {
			return err
		}

		// Requested pins become part of the switch only once the
		// transaction committed; a rolled-back request leaves no trace.
		persistPins := func() error {
			for name, v := range req.Pins {
				sw.Pins[name] = v
			}
			return m.store.Save(sw)
		}

		if plan.IsEmpty() {
			m.ui.ReportInfo("Nothing to do")
			return persistPins()
		}
		m.ui.ReportInfo("The following actions will be performed:\n%s", plan.Describe())

		executor := NewExecutor(m.store, m.builder, m.fetcher, m.ui)
		executor.Jobs = m.Jobs
		executor.ActionTimeout = m.ActionTimeout
		executor.Env = env
		if err := executor.Execute(ctx, sw, plan); err != nil {
			return err
		}
		if len(req.Pins) > 0 {
			return persistPins()
		}
		return nil
	})
}

func (m *Manager) resolutionEnv(sw *Switch) map[string]string {
	env := map[string]string{}
	for key, value := range m.env {
		env[key] = value
	}
	for key, value := range sw.Config {
		env[key] = value
	}
	return env
}
