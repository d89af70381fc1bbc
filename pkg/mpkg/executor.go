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
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor applies a plan to a switch with rollback safety.
//
// The executor is a state machine: Pending → Running → Committed on
// success, Running → RollingBack → Aborted on any failure. Before each
// state mutation it takes a checkpoint through the transaction; after
// a failure every checkpoint is restored in reverse order, so the
// switch is left exactly in its pre-transaction state. From the
// outside a transaction either happened completely or not at all.
//
// Actions whose dependencies are all done run concurrently, bounded
// by Jobs. When an action fails no new actions start, but actions
// already running are allowed to finish: an external build is never
// killed halfway, its output is rolled back instead.
type Executor struct {
	store   *Store
	builder Builder
	fetcher Fetcher
	ui      UI

	// Jobs bounds how many actions run concurrently. Values below 1
	// mean sequential execution.
	Jobs int
	// ActionTimeout bounds each external build/install invocation.
	// Zero means no timeout.
	ActionTimeout time.Duration
	// Env is handed to the builder (the same environment dependency
	// filters were evaluated against).
	Env map[string]string
}

// ExecPhase is the executor's externally visible state.
type ExecPhase int

const (
	ExecPending ExecPhase = iota
	ExecRunning
	ExecRollingBack
	ExecCommitted
	ExecAborted
)

func NewExecutor(store *Store, builder Builder, fetcher Fetcher, ui UI) *Executor {
	return &Executor{
		store:   store,
		builder: builder,
		fetcher: fetcher,
		ui:      ui,
		Jobs:    1,
	}
}

// execution is the mutable state of one Execute call.
type execution struct {
	mu        sync.Mutex
	done      []bool
	started   []bool
	failed    *ExecutionError
	artifacts map[string]string
	phase     ExecPhase
}

// Execute runs the plan against the switch. The caller must hold the
// switch lock. On failure the switch has been rolled back by the time
// the error (an *ExecutionError wrapping the original cause) returns.
func (e *Executor) Execute(ctx context.Context, sw *Switch, plan *Plan) error {
	if plan.IsEmpty() {
		return nil
	}

	txn, err := e.store.Begin(sw)
	if err != nil {
		return err
	}

	exec := &execution{
		done:      make([]bool, len(plan.Actions)),
		started:   make([]bool, len(plan.Actions)),
		artifacts: map[string]string{},
		phase:     ExecRunning,
	}

	jobs := e.Jobs
	if jobs < 1 {
		jobs = 1
	}

	// Wave scheduling: run every currently ready action, wait for the
	// wave, repeat. An action is ready when everything it depends on
	// has completed successfully.
	for {
		ready := e.readyActions(plan, exec)
		if len(ready) == 0 {
			break
		}
		var eg errgroup.Group
		eg.SetLimit(jobs)
		for _, idx := range ready {
			idx := idx
			eg.Go(func() error {
				exec.mu.Lock()
				stop := exec.failed != nil
				exec.mu.Unlock()
				if stop {
					return nil
				}
				if err := ctx.Err(); err != nil {
					e.recordFailure(exec, &plan.Actions[idx], fmt.Errorf("cancelled: %w", err))
					return nil
				}
				exec.mu.Lock()
				exec.started[idx] = true
				exec.mu.Unlock()
				if err := e.runAction(ctx, txn, sw, exec, &plan.Actions[idx]); err != nil {
					e.recordFailure(exec, &plan.Actions[idx], err)
					return nil
				}
				exec.mu.Lock()
				exec.done[idx] = true
				exec.mu.Unlock()
				return nil
			})
		}
		eg.Wait()
		exec.mu.Lock()
		failed := exec.failed
		exec.mu.Unlock()
		if failed != nil {
			break
		}
	}

	exec.mu.Lock()
	failed := exec.failed
	exec.mu.Unlock()

	if failed != nil {
		exec.phase = ExecRollingBack
		e.ui.ReportInfo("Rolling back switch '%s'", sw.Name)
		if err := txn.Rollback(); err != nil {
			// Rollback itself failing leaves the transaction marker in
			// place; the next load will retry the recovery.
			return err
		}
		exec.phase = ExecAborted
		return failed
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	exec.phase = ExecCommitted
	return nil
}

// readyActions returns the indices of all not-yet-started actions
// whose dependencies are done.
func (e *Executor) readyActions(plan *Plan, exec *execution) []int {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.failed != nil {
		return nil
	}
	var ready []int
	for i := range plan.Actions {
		if exec.started[i] || exec.done[i] {
			continue
		}
		ok := true
		for _, dep := range plan.Actions[i].DependsOn {
			if !exec.done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}

func (e *Executor) recordFailure(exec *execution, action *Action, err error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.failed == nil {
		exec.failed = &ExecutionError{
			Action:  action.Kind.String(),
			Package: action.Name + " " + action.Version,
			Err:     err,
		}
	}
}

func (e *Executor) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.ActionTimeout == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.ActionTimeout)
}

func (e *Executor) runAction(ctx context.Context, txn *Txn, sw *Switch, exec *execution, action *Action) error {
	switch action.Kind {
	case ActionBuild:
		return e.runBuild(ctx, txn, exec, action)
	case ActionInstall:
		return e.runInstall(ctx, txn, sw, exec, action)
	case ActionRemove:
		return e.runRemove(txn, sw, action)
	}
	return fmt.Errorf("unknown action kind %v", action.Kind)
}

func (e *Executor) runBuild(ctx context.Context, txn *Txn, exec *execution, action *Action) error {
	actionCtx, cancel := e.actionContext(ctx)
	defer cancel()

	sourceDir, err := e.fetcher.Fetch(actionCtx, action.New, txn.StagingDir("sources"))
	if err != nil {
		return err
	}
	artifact, err := e.builder.Build(actionCtx, action.New, sourceDir, e.Env)
	if err != nil {
		return err
	}
	exec.mu.Lock()
	exec.artifacts[action.Name] = artifact
	exec.mu.Unlock()
	return nil
}

func (e *Executor) runInstall(ctx context.Context, txn *Txn, sw *Switch, exec *execution, action *Action) error {
	exec.mu.Lock()
	artifact := exec.artifacts[action.Name]
	exec.mu.Unlock()

	// The external collaborator installs into a staging directory.
	// Moving the files into the switch root afterwards is the engine's
	// job, so that nothing touches live switch state before the
	// checkpoint exists.
	staging := txn.StagingDir("install-" + action.Name)
	actionCtx, cancel := e.actionContext(ctx)
	defer cancel()
	files, err := e.builder.Install(actionCtx, action.New, artifact, staging)
	if err != nil {
		return err
	}

	txn.stateMu.Lock()
	defer txn.stateMu.Unlock()
	cp, err := txn.Checkpoint(action.Kind.String(), action.Name, []string(files))
	if err != nil {
		return err
	}
	for _, rel := range files {
		target := filepath.Join(sw.Root, rel)
		if exists, err := isFile(target); err == nil && exists {
			// Stash whatever is in the way so a rollback can put it back.
			if err := cp.StashFile(sw.Root, rel); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(staging, rel), target); err != nil {
			return err
		}
	}
	sw.Installed[action.Name] = InstalledPackage{
		Name:     action.Name,
		Version:  action.Version,
		Hash:     action.New.Hash,
		Explicit: action.New.Explicit,
		Requires: action.New.Requires,
		Files:    []string(files),
	}
	return e.store.Save(sw)
}

func (e *Executor) runRemove(txn *Txn, sw *Switch, action *Action) error {
	txn.stateMu.Lock()
	defer txn.stateMu.Unlock()
	cp, err := txn.Checkpoint(action.Kind.String(), action.Name, nil)
	if err != nil {
		return err
	}
	for _, rel := range action.Old.Files {
		if err := cp.StashFile(sw.Root, rel); err != nil {
			return err
		}
	}
	delete(sw.Installed, action.Name)
	return e.store.Save(sw)
}
