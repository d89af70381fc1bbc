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
	"os"
	"sort"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v2"
)

// Desc describes a package.
// Descriptions are published in registries and contain everything the
// resolver needs: the version, the dependency constraints, and the
// conflict declarations. A description is sufficient to decide which
// versions a switch wants, before downloading any source.
type Desc struct {
	// The path of the description file, if any.
	path        string `yaml:"-"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	License string `yaml:"license,omitempty"`
	// The location of the package source. Assumed to be a git location.
	URL     string `yaml:"url,omitempty"`
	Version string `yaml:"version"`

	// The git-hash of the package source.
	Hash string `yaml:"hash,omitempty"`

	Deps      []DescDep      `yaml:"dependencies,omitempty"`
	Conflicts []DescConflict `yaml:"conflicts,omitempty"`
}

// DescDep is a dependency declaration of a package.
type DescDep struct {
	Name       string `yaml:"name"`
	Constraint string `yaml:"constraint,omitempty"`
	// Optional dependencies are only resolved when the target is
	// already installed or required by someone else.
	Optional bool `yaml:"optional,omitempty"`
	// When restricts the dependency to environments where every listed
	// variable has the given value. For example `with-docs: "true"`.
	When map[string]string `yaml:"when,omitempty"`
}

// DescConflict declares that the package cannot be installed together
// with any version of Name satisfying Constraint. An empty constraint
// conflicts with every version.
type DescConflict struct {
	Name       string `yaml:"name"`
	Constraint string `yaml:"constraint,omitempty"`
}

func NewDesc(name string, description string, url string, v string, license string, hash string, deps []DescDep) *Desc {
	return &Desc{
		Name:        name,
		Description: description,
		Version:     v,
		License:     license,
		URL:         url,
		Hash:        hash,
		Deps:        deps,
	}
}

// Live reports whether the dependency applies in the given
// environment. A dependency without a `when` clause always applies.
func (d DescDep) Live(env map[string]string) bool {
	for key, want := range d.When {
		if env[key] != want {
			return false
		}
	}
	return true
}

// Parse parses and validates a package description.
func (d *Desc) Parse(b []byte, ui UI) error {
	fail := func(err error) error {
		if IsErrAlreadyReported(err) {
			return err
		}
		if d.path != "" {
			return ui.ReportError("Failed to parse package description '%s': %v", d.path, err)
		}
		return ui.ReportError("Failed to parse package description: %v", err)
	}

	if err := yaml.Unmarshal(b, d); err != nil {
		return fail(err)
	}

	if err := d.Validate(ui); err != nil {
		return fail(err)
	}

	v, err := version.NewVersion(d.Version)
	if err != nil {
		if d.path != "" {
			return ui.ReportError("Invalid version in '%s': %v", d.path, d.Version)
		}
		return ui.ReportError("Invalid version: %v", d.Version)
	}

	// Canonicalize the version.
	d.Version = v.String()

	for _, dep := range d.Deps {
		if dep.Constraint == "" {
			continue
		}
		if _, err := parseConstraint(dep.Constraint); err != nil {
			return fail(err)
		}
	}
	for _, conflict := range d.Conflicts {
		if conflict.Constraint == "" {
			continue
		}
		if _, err := parseConstraint(conflict.Constraint); err != nil {
			return fail(err)
		}
	}
	return nil
}

// Validate checks structural requirements that yaml can't express.
func (d *Desc) Validate(ui UI) error {
	if d.Name == "" {
		return ui.ReportError("Package description is missing a name")
	}
	if d.Version == "" {
		return ui.ReportError("Package description '%s' is missing a version", d.Name)
	}
	for _, dep := range d.Deps {
		if dep.Name == "" {
			return ui.ReportError("Package description '%s' has a dependency without a name", d.Name)
		}
		if dep.Name == d.Name {
			return ui.ReportError("Package description '%s' depends on itself", d.Name)
		}
	}
	for _, conflict := range d.Conflicts {
		if conflict.Name == "" {
			return ui.ReportError("Package description '%s' has a conflict without a name", d.Name)
		}
	}
	return nil
}

// ReadDesc reads and parses the description at the given path.
func ReadDesc(path string, ui UI) (*Desc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	result := &Desc{path: path}
	if err := result.Parse(b, ui); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteTo writes the description to the given path.
func (d *Desc) WriteTo(path string) error {
	b, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return writeFileIfChanged(path, b)
}

// sortDescs orders descriptions by name, then by descending version.
// Versions must have been canonicalized by Parse.
func sortDescs(descs []*Desc) {
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Name != descs[j].Name {
			return descs[i].Name < descs[j].Name
		}
		vi, errI := version.NewVersion(descs[i].Version)
		vj, errJ := version.NewVersion(descs[j].Version)
		if errI != nil || errJ != nil {
			return descs[i].Version < descs[j].Version
		}
		return vi.GreaterThan(vj)
	})
}
