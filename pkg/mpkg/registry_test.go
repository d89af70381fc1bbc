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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDesc(t *testing.T, dir string, rel string, content string) {
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func Test_LocalRegistry(t *testing.T) {
	dir := t.TempDir()
	writeDesc(t, dir, filepath.Join("morph", "1.0.0.yaml"), "name: morph\nversion: 1.0.0\n")
	writeDesc(t, dir, filepath.Join("morph", "1.2.0.yaml"), "name: morph\nversion: 1.2.0\n")
	writeDesc(t, dir, filepath.Join("lattice", "2.0.0.yaml"), "name: lattice\nversion: 2.0.0\n")
	// Dot-directories and non-yaml files are skipped.
	writeDesc(t, dir, filepath.Join(".git", "ignored.yaml"), "not a desc")
	writeDesc(t, dir, "README.md", "docs")

	registry := NewLocalRegistry("test", dir)
	require.NoError(t, registry.Load(context.Background(), false, FmtUI))

	entries := registry.Entries()
	require.Len(t, entries, 3)
	// Sorted by name, newest version first.
	assert.Equal(t, "lattice", entries[0].Name)
	assert.Equal(t, "morph", entries[1].Name)
	assert.Equal(t, "1.2.0", entries[1].Version)
	assert.Equal(t, "1.0.0", entries[2].Version)

	found, err := registry.SearchName("mor*")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = registry.MatchName("lattice")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2.0.0", found[0].Version)

	assert.Equal(t, "test", registry.Name())
	assert.Contains(t, registry.Describe(), dir)
}

func Test_LocalRegistryBadDesc(t *testing.T) {
	dir := t.TempDir()
	writeDesc(t, dir, "broken.yaml", "version: 1.0.0\n")
	registry := NewLocalRegistry("test", dir)
	ui := &testUI{}
	err := registry.Load(context.Background(), false, ui)
	require.Error(t, err)
	assert.NotEmpty(t, ui.messages)
}

func Test_RegistryConfig(t *testing.T) {
	assert.True(t, RegistryKindLocal.IsValid())
	assert.True(t, RegistryKindGit.IsValid())
	assert.False(t, RegistryKind("ftp").IsValid())

	cfg := RegistryConfig{Name: "bad", Kind: "ftp", Path: "somewhere"}
	_, err := cfg.Load(context.Background(), false, t.TempDir(), &testUI{})
	require.Error(t, err)
}

func Test_LoadRegistries(t *testing.T) {
	first := t.TempDir()
	writeDesc(t, first, "a.yaml", "name: a\nversion: 1.0.0\n")
	second := t.TempDir()
	writeDesc(t, second, "b.yaml", "name: b\nversion: 1.0.0\n")

	configs := RegistryConfigs{
		{Name: "first", Kind: RegistryKindLocal, Path: first},
		{Name: "second", Kind: RegistryKindLocal, Path: second},
	}
	registries, err := LoadRegistries(context.Background(), configs, false, t.TempDir(), FmtUI)
	require.NoError(t, err)
	require.Len(t, registries, 2)

	entries := registries.Entries()
	assert.Len(t, entries, 2)

	found, err := registries.SearchName("*")
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "a", found[0].Name)
}
