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

import "sort"

// InstalledPackage is one entry of a switch's installed-package
// manifest.
type InstalledPackage struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Hash of the source the package was built from.
	Hash string `yaml:"hash,omitempty"`
	// Explicit marks packages the user asked for by name. Packages
	// installed only to satisfy a dependency are not explicit and may
	// be dropped when no consumer is left.
	Explicit bool `yaml:"explicit,omitempty"`
	// Requires lists the names of the packages this package resolved
	// its dependencies to at install time.
	Requires []string `yaml:"requires,omitempty"`
	// Files installed into the switch root, relative paths.
	Files []string `yaml:"files,omitempty"`
}

// Switch is an isolated named installation root with its own
// installed-package set.
// A switch is loaded from and persisted by a Store; it is only mutated
// by the executor inside a transaction.
type Switch struct {
	Name string
	// Root directory of the switch on disk.
	Root string
	// Installed maps package name to its manifest entry.
	Installed map[string]InstalledPackage
	// Pins fix a package name to one exact version across resolutions.
	Pins map[string]string
	// Config is the switch's configuration overlay. It contributes to
	// the environment that dependency filters are evaluated against.
	Config map[string]string
}

// InstalledNames returns the names of all installed packages, sorted.
func (s *Switch) InstalledNames() []string {
	names := make([]string, 0, len(s.Installed))
	for name := range s.Installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshotInstalled returns a deep copy of the installed map.
// Checkpoints hold such copies so later mutations can't leak into them.
func (s *Switch) snapshotInstalled() map[string]InstalledPackage {
	result := make(map[string]InstalledPackage, len(s.Installed))
	for name, pkg := range s.Installed {
		cp := pkg
		cp.Requires = append([]string(nil), pkg.Requires...)
		cp.Files = append([]string(nil), pkg.Files...)
		result[name] = cp
	}
	return result
}
