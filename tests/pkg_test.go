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

package tests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jstroem/tedi"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micalang/mpkg/pkg/mpkg"
)

const (
	timeout = 60 * time.Second
)

func fix_Context(t *tedi.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.AfterTest(cancel)
	return ctx
}

type TestDirectory string

func fixtureCreateTestDirectory(t *tedi.T) TestDirectory {
	nameParts := strings.Split(t.Name(), "/")
	name := nameParts[len(nameParts)-1]
	dir, err := os.MkdirTemp("", "pkg-test-"+name)
	require.NoError(t, err)

	// On macos the temp directory is sometimes a symlink, so
	// calling eval-symlinks makes paths consistent.
	dir, err = filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	t.AfterTest(func() {
		e := os.RemoveAll(dir)
		require.NoError(t, e)
	})
	return TestDirectory(dir)
}

// recordUI collects everything the engine reports.
type recordUI struct {
	mu       sync.Mutex
	messages []string
}

func (ui *recordUI) ReportError(format string, a ...interface{}) error {
	ui.record("Error: " + fmt.Sprintf(format, a...))
	return mpkg.ErrAlreadyReported
}

func (ui *recordUI) ReportWarning(format string, a ...interface{}) {
	ui.record("Warning: " + fmt.Sprintf(format, a...))
}

func (ui *recordUI) ReportInfo(format string, a ...interface{}) {
	ui.record("Info: " + fmt.Sprintf(format, a...))
}

func (ui *recordUI) record(msg string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.messages = append(ui.messages, msg)
}

// scriptBuilder pretends to be the external build tool: every package
// "builds" instantly and installs lib/<name>.mpkg.
type scriptBuilder struct{}

func (b scriptBuilder) Build(ctx context.Context, pkg *mpkg.AssignedPackage, sourceDir string, env map[string]string) (string, error) {
	return sourceDir, nil
}

func (b scriptBuilder) Install(ctx context.Context, pkg *mpkg.AssignedPackage, artifactPath string, destDir string) (mpkg.FileManifest, error) {
	rel := filepath.Join("lib", pkg.Name+".mpkg")
	target := filepath.Join(destDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, []byte(pkg.Name+" "+pkg.Version+"\n"), 0644); err != nil {
		return nil, err
	}
	return mpkg.FileManifest{rel}, nil
}

// dirFetcher hands out empty source directories; the scriptBuilder
// doesn't look at them anyway.
type dirFetcher struct {
	dir string
}

func (f dirFetcher) Fetch(ctx context.Context, pkg *mpkg.AssignedPackage, destDir string) (string, error) {
	dir := filepath.Join(f.dir, pkg.Name, pkg.Version)
	return dir, os.MkdirAll(dir, 0755)
}

type PkgTest struct {
	t   *tedi.T
	ctx context.Context
	dir string

	registryDir string
	switchRoot  string
	ui          *recordUI
	manager     *mpkg.Manager
}

func writeRegistryDesc(t *tedi.T, registryDir string, desc string) {
	var name, v string
	for _, line := range strings.Split(desc, "\n") {
		if strings.HasPrefix(line, "name:") {
			name = strings.TrimSpace(strings.TrimPrefix(line, "name:"))
		}
		if strings.HasPrefix(line, "version:") {
			v = strings.TrimSpace(strings.TrimPrefix(line, "version:"))
		}
	}
	require.NotEmpty(t, name)
	require.NotEmpty(t, v)
	path := filepath.Join(registryDir, name, v+".yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(desc), 0644))
}

// createRegistryGit turns the registry directory into a git repository
// with all descriptions committed, so the git registry kind can be
// exercised against a local clone URL.
func createRegistryGit(t *tedi.T, registryDir string) {
	repository, err := git.PlainInit(registryDir, false)
	require.NoError(t, err)
	tree, err := repository.Worktree()
	require.NoError(t, err)
	_, err = tree.Add(".")
	require.NoError(t, err)
	_, err = tree.Commit("registry content", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)
}

func fixtureCreatePkgTest(ctx context.Context, t *tedi.T, dir TestDirectory) PkgTest {
	registryDir := filepath.Join(string(dir), "registry")
	switchRoot := filepath.Join(string(dir), "switches")
	sourceDir := filepath.Join(string(dir), "sources")

	for _, desc := range []string{
		"name: morph\nversion: 1.0.0\nurl: github.com/test/morph\n",
		"name: morph\nversion: 1.2.0\nurl: github.com/test/morph\ndependencies:\n  - name: lattice\n    constraint: ^1.0.0\n",
		"name: lattice\nversion: 1.0.0\nurl: github.com/test/lattice\n",
		"name: lattice\nversion: 1.1.0\nurl: github.com/test/lattice\n",
		"name: legacy\nversion: 0.9.0\nurl: github.com/test/legacy\nconflicts:\n  - name: morph\n    constraint: '>=1.2.0'\n",
	} {
		writeRegistryDesc(t, registryDir, desc)
	}

	ui := &recordUI{}
	registry := mpkg.NewLocalRegistry("test", registryDir)
	require.NoError(t, registry.Load(ctx, false, ui))

	store := mpkg.NewStore(switchRoot, ui)
	_, err := store.Create("default")
	require.NoError(t, err)

	manager := mpkg.NewManager(mpkg.Registries{registry}, store, scriptBuilder{}, dirFetcher{dir: sourceDir}, nil, ui)

	return PkgTest{
		t:           t,
		ctx:         ctx,
		dir:         string(dir),
		registryDir: registryDir,
		switchRoot:  switchRoot,
		ui:          ui,
		manager:     manager,
	}
}

func diff(old string, new string) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(new),
		FromFile: "Old",
		FromDate: "",
		ToFile:   "New",
		ToDate:   "",
		Context:  1,
	})
	return diff
}

// installedList renders the installed packages of the default switch,
// one "name version" per line.
func (pt PkgTest) installedList() string {
	pkgs, err := pt.manager.List("default")
	require.NoError(pt.t, err)
	lines := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		marker := ""
		if !pkg.Explicit {
			marker = " (dependency)"
		}
		lines = append(lines, pkg.Name+" "+pkg.Version+marker)
	}
	return strings.Join(lines, "\n")
}

func (pt PkgTest) checkInstalled(expected string) {
	actual := pt.installedList()
	if expected != actual {
		assert.Fail(pt.t, "installed packages differ", diff(expected, actual))
	}
}

func (pt PkgTest) switchFile(rel string) string {
	return filepath.Join(pt.switchRoot, "default", rel)
}

func test_micaPkg(t *tedi.T) {
	t.Parallel()

	t.Run("Install", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph"}))
		pt.checkInstalled("lattice 1.1.0 (dependency)\nmorph 1.2.0")
		assert.FileExists(t, pt.switchFile(filepath.Join("lib", "morph.mpkg")))
		assert.FileExists(t, pt.switchFile(filepath.Join("lib", "lattice.mpkg")))
	})

	t.Run("InstallConstraint", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph@1.0.0"}))
		pt.checkInstalled("morph 1.0.0")
	})

	t.Run("Remove", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph"}))
		require.NoError(t, pt.manager.Remove(pt.ctx, "default", []string{"morph"}))
		pt.checkInstalled("")
		assert.NoFileExists(t, pt.switchFile(filepath.Join("lib", "morph.mpkg")))
		assert.NoFileExists(t, pt.switchFile(filepath.Join("lib", "lattice.mpkg")))
	})

	t.Run("Conflict", func(t *tedi.T, pt PkgTest) {
		// legacy conflicts with morph >=1.2.0; installing both must
		// fall back to morph 1.0.0.
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph", "legacy"}))
		pt.checkInstalled("legacy 0.9.0\nmorph 1.0.0")
	})

	t.Run("UpgradeBlockedByConflict", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph", "legacy"}))
		// With legacy gone morph is free to move to 1.2.0.
		require.NoError(t, pt.manager.Remove(pt.ctx, "default", []string{"legacy"}))
		require.NoError(t, pt.manager.Upgrade(pt.ctx, "default", nil))
		pt.checkInstalled("lattice 1.1.0 (dependency)\nmorph 1.2.0")
	})

	t.Run("Pin", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph@1.0.0"}))
		require.NoError(t, pt.manager.Pin(pt.ctx, "default", "morph", "1.0.0"))
		require.NoError(t, pt.manager.Upgrade(pt.ctx, "default", nil))
		pt.checkInstalled("morph 1.0.0")

		require.NoError(t, pt.manager.Unpin(pt.ctx, "default", "morph"))
		require.NoError(t, pt.manager.Upgrade(pt.ctx, "default", nil))
		pt.checkInstalled("lattice 1.1.0 (dependency)\nmorph 1.2.0")
	})

	t.Run("Search", func(t *tedi.T, pt PkgTest) {
		found, err := pt.manager.Search("lat*")
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "lattice", found[0].Name)
		assert.Equal(t, "1.1.0", found[0].Version)
	})

	t.Run("GitRegistry", func(t *tedi.T, pt PkgTest) {
		createRegistryGit(t, pt.registryDir)

		cacheDir := filepath.Join(pt.dir, "registry-cache")
		registry := mpkg.NewGitRegistry("cloned", pt.registryDir, cacheDir)
		require.NoError(t, registry.Load(pt.ctx, true, pt.ui))
		entries := registry.Entries()
		assert.Len(t, entries, 5)

		// A second load syncs the existing checkout.
		require.NoError(t, registry.Load(pt.ctx, true, pt.ui))
		assert.Len(t, registry.Entries(), 5)
	})

	t.Run("FreshManagerSeesState", func(t *tedi.T, pt PkgTest) {
		require.NoError(t, pt.manager.Install(pt.ctx, "default", []string{"morph"}))

		// A new manager over the same store root observes the same
		// switch, like a second process invocation would.
		registry := mpkg.NewLocalRegistry("test", pt.registryDir)
		require.NoError(t, registry.Load(pt.ctx, false, pt.ui))
		store := mpkg.NewStore(pt.switchRoot, pt.ui)
		fresh := mpkg.NewManager(mpkg.Registries{registry}, store, scriptBuilder{}, dirFetcher{dir: filepath.Join(pt.dir, "sources")}, nil, pt.ui)
		pkgs, err := fresh.List("default")
		require.NoError(t, err)
		require.Len(t, pkgs, 2)
	})
}
