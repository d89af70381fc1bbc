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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexflint/go-filemutex"
	"gopkg.in/yaml.v2"
)

const (
	manifestFileName = "manifest.yaml"
	switchLockName   = ".switch.lock"
	transactionDir   = "transaction"
	markerFileName   = "marker.yaml"
)

// Store persists switches on disk.
//
// Layout, one directory per switch under the store root:
//
//	<root>/<switch>/manifest.yaml        installed-package manifest
//	<root>/<switch>/.switch.lock         mutual exclusion between processes
//	<root>/<switch>/transaction/         only present while a transaction
//	                                     is in flight; holds the marker
//	                                     and the checkpoints
//
// A transaction directory found during Load means a previous process
// died mid-transaction; the store then rolls the switch back to its
// pre-transaction state before anything else happens.
type Store struct {
	root string
	ui   UI
}

func NewStore(root string, ui UI) *Store {
	return &Store{
		root: root,
		ui:   ui,
	}
}

// manifestFile is the on-disk shape of a switch.
type manifestFile struct {
	Name     string                      `yaml:"name"`
	Config   map[string]string           `yaml:"config,omitempty"`
	Pins     map[string]string           `yaml:"pins,omitempty"`
	Packages map[string]InstalledPackage `yaml:"packages,omitempty"`
}

// transactionMarker is written before the first mutation of a
// transaction and removed only after commit or rollback completed.
type transactionMarker struct {
	Switch  string    `yaml:"switch"`
	Started time.Time `yaml:"started"`
}

func (s *Store) switchDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) manifestPath(name string) string {
	return filepath.Join(s.switchDir(name), manifestFileName)
}

func (s *Store) transactionPath(name string) string {
	return filepath.Join(s.switchDir(name), transactionDir)
}

// Create creates a new empty switch.
func (s *Store) Create(name string) (*Switch, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, &RequestError{Message: fmt.Sprintf("invalid switch name '%s'", name)}
	}
	dir := s.switchDir(name)
	if exists, err := isFile(s.manifestPath(name)); err != nil {
		return nil, err
	} else if exists {
		return nil, &RequestError{Message: fmt.Sprintf("switch '%s' already exists", name)}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	sw := &Switch{
		Name:      name,
		Root:      dir,
		Installed: map[string]InstalledPackage{},
		Pins:      map[string]string{},
		Config:    map[string]string{},
	}
	if err := s.Save(sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// Delete removes a switch and everything installed in it.
// Refuses while a transaction is in flight.
func (s *Store) Delete(name string) error {
	if exists, err := isFile(s.manifestPath(name)); err != nil {
		return err
	} else if !exists {
		return &RequestError{Message: fmt.Sprintf("switch '%s' does not exist", name)}
	}
	if exists, err := isDirectory(s.transactionPath(name)); err == nil && exists {
		return &FatalError{Err: fmt.Errorf("switch '%s' has an incomplete transaction; load it first to recover", name)}
	}
	return os.RemoveAll(s.switchDir(name))
}

// List returns the names of all switches in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if exists, err := isFile(s.manifestPath(entry.Name())); err == nil && exists {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the switch from disk.
// If an incomplete transaction is found it is rolled back first, so
// callers always observe a consistent state.
func (s *Store) Load(name string) (*Switch, error) {
	sw, err := s.loadManifest(name)
	if err != nil {
		return nil, err
	}
	txnPath := s.transactionPath(name)
	if exists, err := isDirectory(txnPath); err == nil && exists {
		s.ui.ReportWarning("Switch '%s' has an incomplete transaction; rolling back", name)
		txn, err := s.resumeTxn(sw)
		if err != nil {
			return nil, err
		}
		if err := txn.Rollback(); err != nil {
			return nil, err
		}
	}
	return sw, nil
}

func (s *Store) loadManifest(name string) (*Switch, error) {
	b, err := os.ReadFile(s.manifestPath(name))
	if os.IsNotExist(err) {
		return nil, &RequestError{Message: fmt.Sprintf("switch '%s' does not exist", name)}
	} else if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := yaml.Unmarshal(b, &mf); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("%w: switch '%s': %v", ErrCorruptState, name, err)}
	}
	if mf.Name != "" && mf.Name != name {
		return nil, &FatalError{Err: fmt.Errorf("%w: switch '%s' manifest claims name '%s'", ErrCorruptState, name, mf.Name)}
	}
	sw := &Switch{
		Name:      name,
		Root:      s.switchDir(name),
		Installed: mf.Packages,
		Pins:      mf.Pins,
		Config:    mf.Config,
	}
	if sw.Installed == nil {
		sw.Installed = map[string]InstalledPackage{}
	}
	if sw.Pins == nil {
		sw.Pins = map[string]string{}
	}
	if sw.Config == nil {
		sw.Config = map[string]string{}
	}
	return sw, nil
}

// Save persists the switch manifest.
func (s *Store) Save(sw *Switch) error {
	mf := manifestFile{
		Name:     sw.Name,
		Config:   sw.Config,
		Pins:     sw.Pins,
		Packages: sw.Installed,
	}
	b, err := yaml.Marshal(&mf)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.manifestPath(sw.Name), b)
}

// WithLock runs f while holding the switch's file lock.
// A second process attempting the same lock blocks until the context
// deadline; if the lock cannot be obtained the call fails with
// ErrSwitchLocked wrapped in a FatalError.
func (s *Store) WithLock(ctx context.Context, name string, f func() error) error {
	lockP := filepath.Join(s.switchDir(name), switchLockName)
	if err := os.MkdirAll(filepath.Dir(lockP), 0755); err != nil {
		return err
	}
	m, err := filemutex.New(lockP)
	if err != nil {
		return err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
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
		return &FatalError{Err: fmt.Errorf("%w: %s", ErrSwitchLocked, lockP)}
	}

	return f()
}

// Txn is an in-flight transaction on one switch.
// It owns the transaction directory: the durable marker plus one
// checkpoint per state mutation, LIFO.
type Txn struct {
	store       *Store
	sw          *Switch
	dir         string
	checkpoints []*Checkpoint

	// stateMu serializes switch-state mutations of parallel actions.
	// Checkpoints are taken and applied under it, which keeps the
	// checkpoint sequence consistent with the mutation order.
	stateMu sync.Mutex
}

// StagingDir returns a scratch directory inside the transaction.
// Everything in it disappears on commit and rollback alike.
func (t *Txn) StagingDir(name string) string {
	return filepath.Join(t.dir, "staging", name)
}

// Checkpoint is a restorable snapshot of switch state taken
// immediately before an action mutates it. Files an action removes
// are stashed into the checkpoint's backup directory so a rollback
// can put them back.
type Checkpoint struct {
	Seq      int                         `yaml:"seq"`
	Action   string                      `yaml:"action"`
	Package  string                      `yaml:"package"`
	Packages map[string]InstalledPackage `yaml:"packages"`
	Pins     map[string]string           `yaml:"pins,omitempty"`
	// Incoming lists the files the action is about to move into the
	// switch root. The checkpoint is durable before the first move, so
	// a rollback (or crash recovery) can delete them even when the
	// action died halfway through.
	Incoming []string `yaml:"incoming,omitempty"`

	backupDir string `yaml:"-"`
}

// Begin starts a transaction on the switch, writing the durable
// marker. Fails if a transaction is already in flight.
func (s *Store) Begin(sw *Switch) (*Txn, error) {
	dir := s.transactionPath(sw.Name)
	if exists, err := isDirectory(dir); err == nil && exists {
		return nil, &FatalError{Err: fmt.Errorf("switch '%s' already has a transaction in flight", sw.Name)}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	marker := transactionMarker{
		Switch:  sw.Name,
		Started: time.Now().UTC(),
	}
	b, err := yaml.Marshal(&marker)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(dir, markerFileName), b); err != nil {
		return nil, err
	}
	return &Txn{
		store: s,
		sw:    sw,
		dir:   dir,
	}, nil
}

// resumeTxn reconstructs a transaction from the on-disk checkpoints of
// a process that died mid-transaction.
func (s *Store) resumeTxn(sw *Switch) (*Txn, error) {
	dir := s.transactionPath(sw.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	txn := &Txn{
		store: s,
		sw:    sw,
		dir:   dir,
	}
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "checkpoint-") && strings.HasSuffix(entry.Name(), ".yaml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := yaml.Unmarshal(b, &cp); err != nil {
			return nil, &FatalError{Err: fmt.Errorf("%w: checkpoint '%s': %v", ErrCorruptState, name, err)}
		}
		cp.backupDir = filepath.Join(dir, strings.TrimSuffix(name, ".yaml")+".files")
		txn.checkpoints = append(txn.checkpoints, &cp)
	}
	return txn, nil
}

// Checkpoint snapshots the current switch state before the given
// action runs. The snapshot is durable before this returns. incoming
// names the files the action will add to the switch root, relative to
// it; pass nil for actions that only remove.
func (t *Txn) Checkpoint(action string, pkg string, incoming []string) (*Checkpoint, error) {
	seq := len(t.checkpoints)
	cp := &Checkpoint{
		Seq:       seq,
		Action:    action,
		Package:   pkg,
		Packages:  t.sw.snapshotInstalled(),
		Pins:      copyPins(t.sw.Pins),
		Incoming:  incoming,
		backupDir: filepath.Join(t.dir, fmt.Sprintf("checkpoint-%03d.files", seq)),
	}
	b, err := yaml.Marshal(cp)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(t.dir, fmt.Sprintf("checkpoint-%03d.yaml", seq))
	if err := writeFileAtomic(path, b); err != nil {
		return nil, err
	}
	t.checkpoints = append(t.checkpoints, cp)
	return cp, nil
}

// StashFile moves a file of the switch out of the way instead of
// deleting it, so the checkpoint can restore it on rollback.
func (cp *Checkpoint) StashFile(root string, rel string) error {
	source := filepath.Join(root, rel)
	if exists, err := isFile(source); err != nil {
		return err
	} else if !exists {
		return nil
	}
	target := filepath.Join(cp.backupDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Rename(source, target)
}

// restore undoes the state changes made after this checkpoint was
// taken: files added since are deleted, stashed files are moved back,
// and the in-memory installed set and pins are reset to the snapshot.
func (cp *Checkpoint) restore(sw *Switch) error {
	// The incoming manifest covers files the action moved into place
	// before it failed, even when the package entry was never added.
	for _, rel := range cp.Incoming {
		if err := os.Remove(filepath.Join(sw.Root, rel)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for name, pkg := range sw.Installed {
		snap, ok := cp.Packages[name]
		if ok && snap.Version == pkg.Version {
			continue
		}
		for _, rel := range pkg.Files {
			if err := os.Remove(filepath.Join(sw.Root, rel)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	if exists, err := isDirectory(cp.backupDir); err == nil && exists {
		err := filepath.Walk(cp.backupDir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(cp.backupDir, path)
			if err != nil {
				return err
			}
			target := filepath.Join(sw.Root, rel)
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return os.Rename(path, target)
		})
		if err != nil {
			return err
		}
	}
	sw.Installed = copyInstalled(cp.Packages)
	sw.Pins = copyPins(cp.Pins)
	return nil
}

func copyInstalled(pkgs map[string]InstalledPackage) map[string]InstalledPackage {
	result := make(map[string]InstalledPackage, len(pkgs))
	for name, pkg := range pkgs {
		result[name] = pkg
	}
	return result
}

func copyPins(pins map[string]string) map[string]string {
	result := make(map[string]string, len(pins))
	for name, v := range pins {
		result[name] = v
	}
	return result
}

// Commit persists the final switch state and discards the
// checkpoints. The transaction marker disappears last.
func (t *Txn) Commit() error {
	if err := t.store.Save(t.sw); err != nil {
		return err
	}
	t.checkpoints = nil
	return os.RemoveAll(t.dir)
}

// Rollback restores every checkpoint in reverse order, leaving the
// switch exactly as it was when the transaction began, then persists
// that state and removes the marker.
func (t *Txn) Rollback() error {
	for i := len(t.checkpoints) - 1; i >= 0; i-- {
		if err := t.checkpoints[i].restore(t.sw); err != nil {
			return &FatalError{Err: fmt.Errorf("rollback of switch '%s' failed: %v", t.sw.Name, err)}
		}
	}
	t.checkpoints = nil
	if err := t.store.Save(t.sw); err != nil {
		return err
	}
	return os.RemoveAll(t.dir)
}
