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

// Package mpkg implements the core of the Mica package manager:
// the package-universe resolver and the transactional switch engine.
//
// Package descriptions come from registries and are collected in an
// immutable Index. A Universe translates the index together with the
// current switch state and a user request into a constraint problem.
// The Solver picks a consistent version assignment, the Planner turns
// the difference between old and new state into an ordered list of
// actions, and the Executor applies those actions to the switch with
// checkpointing so that a failure rolls the switch back to its
// pre-transaction state.
package mpkg
