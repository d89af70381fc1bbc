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
	"sort"

	"github.com/hashicorp/go-version"
)

// IndexEntry pairs a description with its parsed version.
type IndexEntry struct {
	Desc    *Desc
	Version *version.Version
}

// Index is the immutable catalog of available package descriptions.
// It is built once per resolution from the loaded registries and only
// answers queries afterwards.
type Index struct {
	// From package name to all known versions, newest first.
	entries map[string][]IndexEntry
}

// NewIndex builds an index over all entries of the given registries.
// Descriptions with unparsable versions are an index bug and rejected.
func NewIndex(registries Registries, ui UI) (*Index, error) {
	result := &Index{
		entries: map[string][]IndexEntry{},
	}
	for _, reg := range registries {
		for _, desc := range reg.Entries() {
			v, err := version.NewVersion(desc.Version)
			if err != nil {
				return nil, ui.ReportError("Registry '%s' has entry '%s' with invalid version '%s'",
					reg.Name(), desc.Name, desc.Version)
			}
			result.entries[desc.Name] = append(result.entries[desc.Name], IndexEntry{
				Desc:    desc,
				Version: v,
			})
		}
	}
	for _, entries := range result.entries {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Version.GreaterThan(entries[j].Version)
		})
	}
	return result, nil
}

// Lookup returns all known versions of the package, newest first.
// Returns nil if the name is unknown.
func (idx *Index) Lookup(name string) []IndexEntry {
	return idx.entries[name]
}

// Require is like Lookup but fails with UnknownPackageError when the
// name has zero known versions.
func (idx *Index) Require(name string) ([]IndexEntry, error) {
	entries := idx.entries[name]
	if len(entries) == 0 {
		return nil, &UnknownPackageError{Name: name}
	}
	return entries, nil
}

// Satisfying returns the known versions of name that satisfy the
// constraint, newest first.
func (idx *Index) Satisfying(name string, constraints version.Constraints) []IndexEntry {
	var result []IndexEntry
	for _, entry := range idx.entries[name] {
		if constraints.Check(entry.Version) {
			result = append(result, entry)
		}
	}
	return result
}

// Names returns all package names in the index, sorted.
func (idx *Index) Names() []string {
	names := make([]string, 0, len(idx.entries))
	for name := range idx.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
