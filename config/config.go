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

package config

import (
	"os"
	"path/filepath"
)

const (
	// UserConfigDirEnv if set, will be the directory the user config
	// will be loaded from.
	UserConfigDirEnv = "MICA_USER_CONFIG_DIR"
	// SwitchRootEnv overrides where switches are stored.
	SwitchRootEnv = "MICA_SWITCH_ROOT"
	// RegistryCacheEnv overrides where git registries are checked out.
	RegistryCacheEnv = "MICA_REGISTRY_CACHE"
	// BuildToolEnv overrides the external build tool executable.
	BuildToolEnv = "MICA_BUILD_TOOL"
)

func EnsureDirectory(dir string, err error) (string, error) {
	if err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0755)
}

func UserConfigPath() (string, error) {
	if path, ok := os.LookupEnv(UserConfigDirEnv); ok {
		return path, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".config", "mica"), nil
}

// UserConfigFile returns the config file in the user directory.
func UserConfigFile() (string, bool) {
	if homedir, err := EnsureDirectory(UserConfigPath()); err == nil {
		return filepath.Join(homedir, "config.yaml"), true
	}
	return "", false
}

func CachePath() (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".cache", "mica"), nil
}

// SwitchRootPath returns the directory that holds all switches.
func SwitchRootPath() (string, error) {
	if path, ok := os.LookupEnv(SwitchRootEnv); ok {
		return path, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".mica", "switches"), nil
}

// RegistryCachePath returns the directory git registries are checked
// out into.
func RegistryCachePath() (string, error) {
	if path, ok := os.LookupEnv(RegistryCacheEnv); ok {
		return path, nil
	}
	cachePath, err := CachePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(cachePath, "registries"), nil
}

// SourceCachePath returns the directory package sources are fetched
// into.
func SourceCachePath() (string, error) {
	cachePath, err := CachePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(cachePath, "sources"), nil
}
