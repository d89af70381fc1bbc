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

func Test_StoreCreateLoadDelete(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})

	sw, err := store.Create("default")
	require.NoError(t, err)
	assert.Equal(t, "default", sw.Name)
	assert.DirExists(t, sw.Root)

	_, err = store.Create("default")
	var requestErr *RequestError
	require.ErrorAs(t, err, &requestErr)

	_, err = store.Create("bad/name")
	require.ErrorAs(t, err, &requestErr)

	_, err = store.Load("missing")
	require.ErrorAs(t, err, &requestErr)

	_, err = store.Create("second")
	require.NoError(t, err)
	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "second"}, names)

	require.NoError(t, store.Delete("second"))
	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)

	err = store.Delete("second")
	require.ErrorAs(t, err, &requestErr)
}

func Test_StoreSaveLoadRoundtrip(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	sw.Installed["a"] = InstalledPackage{
		Name:     "a",
		Version:  "1.2.0",
		Hash:     "cafe",
		Explicit: true,
		Requires: []string{"b"},
		Files:    []string{filepath.Join("lib", "a.mlib")},
	}
	sw.Installed["b"] = InstalledPackage{Name: "b", Version: "2.0.0"}
	sw.Pins["a"] = "1.2.0"
	sw.Config["with-docs"] = "true"
	require.NoError(t, store.Save(sw))

	loaded, err := store.Load("default")
	require.NoError(t, err)
	assert.Equal(t, sw.Installed, loaded.Installed)
	assert.Equal(t, sw.Pins, loaded.Pins)
	assert.Equal(t, sw.Config, loaded.Config)
	assert.Equal(t, []string{"a", "b"}, loaded.InstalledNames())
}

func Test_StoreCorruptManifest(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	manifest := filepath.Join(sw.Root, manifestFileName)
	require.NoError(t, os.WriteFile(manifest, []byte("\tnot yaml at all"), 0644))

	_, err = store.Load("default")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrCorruptState)
}

func Test_StoreManifestNameMismatch(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	manifest := filepath.Join(sw.Root, manifestFileName)
	require.NoError(t, os.WriteFile(manifest, []byte("name: other\n"), 0644))

	_, err = store.Load("default")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func Test_TxnCommit(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	txn, err := store.Begin(sw)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(sw.Root, transactionDir, markerFileName))

	// A second transaction on the same switch must be refused.
	_, err = store.Begin(sw)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	_, err = txn.Checkpoint("install", "a", nil)
	require.NoError(t, err)
	sw.Installed["a"] = InstalledPackage{Name: "a", Version: "1.0.0"}
	require.NoError(t, txn.Commit())

	assert.NoDirExists(t, filepath.Join(sw.Root, transactionDir))
	loaded, err := store.Load("default")
	require.NoError(t, err)
	assert.Contains(t, loaded.Installed, "a")
}

func Test_TxnRollback(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	txn, err := store.Begin(sw)
	require.NoError(t, err)
	cp, err := txn.Checkpoint("install", "a", nil)
	require.NoError(t, err)

	rel := filepath.Join("lib", "a.mlib")
	target := filepath.Join(sw.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("a 1.0.0"), 0644))
	sw.Installed["a"] = InstalledPackage{Name: "a", Version: "1.0.0", Files: []string{rel}}
	require.NoError(t, store.Save(sw))

	// StashFile tolerates files that never existed.
	require.NoError(t, cp.StashFile(sw.Root, filepath.Join("lib", "ghost.mlib")))

	require.NoError(t, txn.Rollback())
	assert.NoFileExists(t, target)
	assert.Empty(t, sw.Installed)
	assert.NoDirExists(t, filepath.Join(sw.Root, transactionDir))

	loaded, err := store.Load("default")
	require.NoError(t, err)
	assert.Empty(t, loaded.Installed)
}

func Test_StoreCrashRecovery(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	// Simulate a process dying mid-transaction: state was mutated and
	// persisted, but the transaction never finished.
	txn, err := store.Begin(sw)
	require.NoError(t, err)
	cp, err := txn.Checkpoint("remove", "victim", nil)
	require.NoError(t, err)

	rel := filepath.Join("lib", "a.mlib")
	target := filepath.Join(sw.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("a 1.0.0"), 0644))
	sw.Installed["a"] = InstalledPackage{Name: "a", Version: "1.0.0", Files: []string{rel}}
	require.NoError(t, store.Save(sw))
	_ = cp

	// A fresh store (new process) must roll the switch back on load.
	ui := &testUI{}
	recovered, err := NewStore(root, ui).Load("default")
	require.NoError(t, err)
	assert.Empty(t, recovered.Installed)
	assert.NoFileExists(t, target)
	assert.NoDirExists(t, filepath.Join(sw.Root, transactionDir))
	assert.NotEmpty(t, ui.messages)
}

func Test_StoreDeleteRefusesInFlightTxn(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)
	_, err = store.Begin(sw)
	require.NoError(t, err)

	err = store.Delete("default")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func Test_StoreWithLock(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	_, err := store.Create("default")
	require.NoError(t, err)

	ran := false
	err = store.WithLock(context.Background(), "default", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The lock is released; a second acquisition succeeds.
	err = store.WithLock(context.Background(), "default", func() error {
		return nil
	})
	require.NoError(t, err)
}

func Test_StashedFilesSurviveRestore(t *testing.T) {
	store := NewStore(t.TempDir(), &testUI{})
	sw, err := store.Create("default")
	require.NoError(t, err)

	// Install a file, then stash it inside a transaction as a removal
	// would. The rollback has to put the exact content back.
	rel := filepath.Join("bin", "mica-fmt")
	target := filepath.Join(sw.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("original content"), 0644))
	sw.Installed["fmt"] = InstalledPackage{Name: "fmt", Version: "1.0.0", Files: []string{rel}}
	require.NoError(t, store.Save(sw))

	txn, err := store.Begin(sw)
	require.NoError(t, err)
	cp, err := txn.Checkpoint("remove", "fmt", nil)
	require.NoError(t, err)
	require.NoError(t, cp.StashFile(sw.Root, rel))
	delete(sw.Installed, "fmt")
	require.NoError(t, store.Save(sw))
	assert.NoFileExists(t, target)

	require.NoError(t, txn.Rollback())
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original content", string(content))
	assert.Contains(t, sw.Installed, "fmt")
}
