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
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/micalang/mpkg/pkg/git"
)

// FileManifest lists the files an install step created, relative to
// the switch root. It is everything the engine needs to undo the
// install later.
type FileManifest []string

// Builder is the external build/install collaborator. The engine
// treats it as an opaque process: it only looks at the error and, on
// success, at the resulting artifact or file manifest.
type Builder interface {
	// Build compiles the package from sourceDir and returns the path
	// of the produced artifact.
	Build(ctx context.Context, pkg *AssignedPackage, sourceDir string, env map[string]string) (string, error)
	// Install places the artifact into destDir and returns the files
	// it created there.
	Install(ctx context.Context, pkg *AssignedPackage, artifactPath string, destDir string) (FileManifest, error)
}

// Fetcher obtains package sources. Implementations verify the
// package's source hash and fail with ErrChecksumMismatch when the
// fetched content doesn't match.
type Fetcher interface {
	// Fetch makes the package source available locally and returns its
	// directory. destDir may be used as a cache across calls.
	Fetch(ctx context.Context, pkg *AssignedPackage, destDir string) (string, error)
}

// ExecBuilder invokes the Mica build tool as an external process.
//
// The tool is called as `<tool> build <sourceDir> --out <dir>` and
// `<tool> install <artifact> <destDir>`; the install invocation prints
// the files it created to stdout, one relative path per line.
type ExecBuilder struct {
	// Tool is the executable to invoke. Defaults to "mica-build".
	Tool string
	ui   UI
}

func NewExecBuilder(tool string, ui UI) *ExecBuilder {
	if tool == "" {
		tool = "mica-build"
	}
	return &ExecBuilder{
		Tool: tool,
		ui:   ui,
	}
}

func (b *ExecBuilder) run(ctx context.Context, args ...string) (string, error) {
	b.ui.ReportInfo("Running: %s", shellescape.QuoteCommand(append([]string{b.Tool}, args...)))
	cmd := exec.CommandContext(ctx, b.Tool, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) != 0 {
			return "", fmt.Errorf("%s %s: %v: %s", b.Tool, args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s %s: %w", b.Tool, args[0], err)
	}
	return string(out), nil
}

func (b *ExecBuilder) Build(ctx context.Context, pkg *AssignedPackage, sourceDir string, env map[string]string) (string, error) {
	outDir, err := os.MkdirTemp("", "mpkg-build-"+pkg.Name+"-")
	if err != nil {
		return "", err
	}
	args := []string{"build", sourceDir, "--out", outDir}
	for _, key := range sortedKeys(env) {
		args = append(args, "--define", key+"="+env[key])
	}
	if _, err := b.run(ctx, args...); err != nil {
		os.RemoveAll(outDir)
		return "", err
	}
	return outDir, nil
}

func (b *ExecBuilder) Install(ctx context.Context, pkg *AssignedPackage, artifactPath string, destDir string) (FileManifest, error) {
	out, err := b.run(ctx, "install", artifactPath, destDir)
	if err != nil {
		return nil, err
	}
	var manifest FileManifest
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		manifest = append(manifest, filepath.FromSlash(line))
	}
	return manifest, nil
}

// GitFetcher fetches package sources from their git URL into a cache
// directory, one checkout per name/version. The checked-out hash must
// match the hash of the package description.
type GitFetcher struct {
	// CacheDir holds the checkouts.
	CacheDir string
	ui       UI
}

func NewGitFetcher(cacheDir string, ui UI) *GitFetcher {
	return &GitFetcher{
		CacheDir: cacheDir,
		ui:       ui,
	}
}

func (f *GitFetcher) Fetch(ctx context.Context, pkg *AssignedPackage, destDir string) (string, error) {
	if pkg.desc.URL == "" {
		return "", fmt.Errorf("package '%s' has no source URL", pkg.Name)
	}
	checkout := filepath.Join(f.CacheDir, pkg.Name, pkg.Version)
	if exists, err := isDirectory(checkout); err == nil && exists {
		return checkout, nil
	}
	hash, err := git.Clone(ctx, checkout, git.CloneOptions{
		URL:          pkg.desc.URL,
		Hash:         pkg.Hash,
		Tag:          "v" + pkg.Version,
		SingleBranch: true,
		Depth:        1,
	})
	if err != nil {
		os.RemoveAll(checkout)
		return "", fmt.Errorf("fetching '%s %s': %w", pkg.Name, pkg.Version, err)
	}
	if pkg.Hash != "" && hash != pkg.Hash {
		os.RemoveAll(checkout)
		return "", fmt.Errorf("fetching '%s %s': %w: got '%s', want '%s'",
			pkg.Name, pkg.Version, ErrChecksumMismatch, hash, pkg.Hash)
	}
	return checkout, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
