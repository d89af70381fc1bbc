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
	"strings"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/gobwas/glob"
	"github.com/micalang/mpkg/pkg/git"
)

type Registries []Registry

// Registry is a source of package descriptions.
type Registry interface {
	// Name of the registry.
	Name() string
	// Load loads the registry into memory.
	// Synchronizes the registry first, if 'sync' is true.
	// Synchronization installs the registry first if necessary. It
	// then downloads the latest descriptions.
	Load(ctx context.Context, sync bool, ui UI) error
	// Describe describes this registry. Used when showing where a
	// description comes from.
	Describe() string
	// Entries returns all loaded descriptions. If the registry hasn't
	// been loaded yet returns nil.
	Entries() []*Desc
	// SearchName searches for the given package name in the registry.
	// The name may be a glob pattern. Returns all matching packages.
	SearchName(pattern string) ([]*Desc, error)
	// MatchName searches for the given package name in the registry.
	// The name must match completely.
	MatchName(name string) ([]*Desc, error)
}

// RegistryConfig can be used to load a registry with LoadRegistries.
type RegistryConfig struct {
	Name string       `yaml:"name"`
	Kind RegistryKind `yaml:"kind"`
	Path string       `yaml:"path"`
}

type RegistryConfigs []RegistryConfig

// RegistryKind specifies how to load a registry.
type RegistryKind string

const (
	// RegistryKindLocal specifies that the corresponding registry
	// should be treated like a simple folder with descriptions in it.
	RegistryKindLocal RegistryKind = "local"
	// RegistryKindGit specifies that the registry is backed by a
	// git repository.
	RegistryKindGit RegistryKind = "git"
)

// IsValid returns whether the registry kind is valid.
func (k RegistryKind) IsValid() bool {
	return k == RegistryKindLocal || k == RegistryKindGit
}

// Load loads the registry given by its configuration.
// Git registries are checked out under cacheDir.
func (cfg RegistryConfig) Load(ctx context.Context, sync bool, cacheDir string, ui UI) (Registry, error) {
	if !cfg.Kind.IsValid() {
		return nil, ui.ReportError("Unexpected registry kind %v", cfg.Kind)
	}
	var registry Registry
	if cfg.Kind == RegistryKindLocal {
		registry = NewLocalRegistry(cfg.Name, cfg.Path)
	} else {
		registry = NewGitRegistry(cfg.Name, cfg.Path, cacheDir)
	}
	if err := registry.Load(ctx, sync, ui); err != nil {
		return nil, err
	}
	return registry, nil
}

// LoadRegistries loads all configured registries.
func LoadRegistries(ctx context.Context, configs RegistryConfigs, sync bool, cacheDir string, ui UI) (Registries, error) {
	result := make(Registries, 0, len(configs))
	for _, cfg := range configs {
		registry, err := cfg.Load(ctx, sync, cacheDir, ui)
		if err != nil {
			return nil, err
		}
		result = append(result, registry)
	}
	return result, nil
}

// Entries returns the entries of all registries combined.
func (r Registries) Entries() []*Desc {
	var result []*Desc
	for _, registry := range r {
		result = append(result, registry.Entries()...)
	}
	return result
}

// SearchName searches all registries for the pattern.
func (r Registries) SearchName(pattern string) ([]*Desc, error) {
	var result []*Desc
	for _, registry := range r {
		found, err := registry.SearchName(pattern)
		if err != nil {
			return nil, err
		}
		result = append(result, found...)
	}
	sortDescs(result)
	return result, nil
}

// pathRegistry is a registry that loads descriptions from a directory
// tree. Every *.yaml file below the path is one description.
type pathRegistry struct {
	name    string
	path    string
	entries []*Desc
}

// NewLocalRegistry returns a registry that reads descriptions from a
// local directory.
func NewLocalRegistry(name string, path string) Registry {
	return &pathRegistry{
		name: name,
		path: path,
	}
}

func (pr *pathRegistry) Name() string {
	return pr.name
}

func (pr *pathRegistry) Describe() string {
	return fmt.Sprintf("%s: %s", pr.name, pr.path)
}

func (pr *pathRegistry) Load(ctx context.Context, sync bool, ui UI) error {
	entries := []*Desc{}
	err := filepath.Walk(pr.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != pr.path {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".yaml") {
			return nil
		}
		desc, err := ReadDesc(path, ui)
		if err != nil {
			return err
		}
		entries = append(entries, desc)
		return nil
	})
	if err != nil {
		return err
	}
	sortDescs(entries)
	pr.entries = entries
	return nil
}

func (pr *pathRegistry) Entries() []*Desc {
	return pr.entries
}

func (pr *pathRegistry) SearchName(pattern string) ([]*Desc, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var result []*Desc
	for _, desc := range pr.entries {
		if g.Match(desc.Name) {
			result = append(result, desc)
		}
	}
	return result, nil
}

func (pr *pathRegistry) MatchName(name string) ([]*Desc, error) {
	var result []*Desc
	for _, desc := range pr.entries {
		if desc.Name == name {
			result = append(result, desc)
		}
	}
	return result, nil
}

// gitRegistry is a pathRegistry whose directory is a git checkout
// that can be synchronized with its upstream.
type gitRegistry struct {
	pathRegistry

	url string
}

// NewGitRegistry returns a registry backed by a git repository,
// checked out under cacheDir.
func NewGitRegistry(name string, url string, cacheDir string) Registry {
	return &gitRegistry{
		pathRegistry: pathRegistry{
			name: name,
			path: filepath.Join(cacheDir, filepath.FromSlash(url)),
		},
		url: url,
	}
}

func (gr *gitRegistry) Describe() string {
	return fmt.Sprintf("%s: %s", gr.name, gr.url)
}

func (gr *gitRegistry) withFileLock(ctx context.Context, f func(path string) error) error {
	p := gr.path

	// Make sure only one process is syncing the registry at the same
	// time. Use a lock file in the directory above the registry's
	// checkout path. This way we don't interfere with cloning/pulling,
	// but still have relatively good granularity, allowing to sync
	// multiple registries at the same time.
	lockP := filepath.Join(filepath.Dir(p), ".mpkg_sync.lock")
	err := os.MkdirAll(filepath.Dir(lockP), 0755)
	if err != nil {
		return err
	}
	m, err := filemutex.New(lockP)
	if err != nil {
		return err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	// The following has a race condition:
	// We could get the lock, then enter the `default` select, but before
	// closing the channel, the ctx is done and the second select becomes
	// non-deterministic.
	// In that case we don't even unlock anymore.
	// It's a bad case, but better than not giving any error-message.
	go func() {
		m.Lock()
		select {
		case <-ctx.Done():
			m.Unlock()
		default:
			close(unlocked)
		}
	}()
	select {
	case <-unlocked:
		defer m.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("unable to acquire sync lock %s", lockP)
	}

	return f(p)
}

func (gr *gitRegistry) Load(ctx context.Context, sync bool, ui UI) error {
	if sync {
		err := gr.withFileLock(ctx, func(p string) error {
			info, err := os.Stat(p)
			exists := true
			if os.IsNotExist(err) {
				exists = false
			} else if err != nil {
				return err
			} else if !info.IsDir() {
				return ui.ReportError("Path %s exists but is not a directory", p)
			}

			if exists {
				return git.Pull(p)
			}
			_, err = git.Clone(ctx, p, git.CloneOptions{
				URL:          gr.url,
				SingleBranch: true,
				Depth:        1,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return gr.pathRegistry.Load(ctx, false, ui)
}
