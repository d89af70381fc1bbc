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
	"errors"
	"fmt"
	"strings"
)

// The error taxonomy of the engine.
//
// Bad requests surface as *RequestError, failed resolutions as
// *ConflictError, failed actions (after rollback) as *ExecutionError,
// and everything that requires operator intervention as *FatalError.
// Only ExecutionError implies that a rollback has taken place.

// RequestError indicates the user's request was invalid before
// solving even started (for example pinning and removing the same
// package). No state was mutated.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// UnknownPackageError indicates that a required package has no
// versions in the index.
type UnknownPackageError struct {
	Name string
}

func (e *UnknownPackageError) Error() string {
	return fmt.Sprintf("package '%s' not found", e.Name)
}

// CoreConstraint is one element of an unsatisfiable core.
// Source names where the constraint comes from: either "request", or
// "name version" for a dependency or conflict declared by a package.
type CoreConstraint struct {
	Source string
	Detail string
}

func (c CoreConstraint) String() string {
	return fmt.Sprintf("%s: %s", c.Source, c.Detail)
}

// ConflictError is returned when the solver found no satisfying
// assignment. Core is a minimal set of constraints that cannot
// jointly be satisfied; it is what gets shown to the user.
type ConflictError struct {
	Core []CoreConstraint
}

func (e *ConflictError) Error() string {
	if len(e.Core) == 0 {
		return "no consistent package assignment exists"
	}
	lines := make([]string, 0, len(e.Core)+1)
	lines = append(lines, "no consistent package assignment exists:")
	for _, c := range e.Core {
		lines = append(lines, "  "+c.String())
	}
	return strings.Join(lines, "\n")
}

// ExecutionError is returned when an action of a transaction failed.
// By the time the caller sees it, the switch has been rolled back to
// its pre-transaction state.
type ExecutionError struct {
	Action  string
	Package string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s of '%s' failed (switch rolled back): %v", e.Action, e.Package, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// FatalError wraps conditions that must not be recovered from
// automatically: corrupt persisted state, cyclic index data, or an
// unobtainable switch lock.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

var (
	// ErrSwitchLocked indicates another process holds the switch lock.
	ErrSwitchLocked = errors.New("switch is locked by another process")

	// ErrCorruptState indicates the persisted switch state cannot be
	// parsed. Manual inspection is required; the store never repairs
	// state silently.
	ErrCorruptState = errors.New("corrupt switch state")

	// ErrCyclicDependency indicates the index data contains a
	// dependency cycle. Cycles are an index bug and always fatal.
	ErrCyclicDependency = errors.New("cyclic package dependency")

	// ErrChecksumMismatch is returned by fetchers when downloaded
	// content does not match the expected checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
