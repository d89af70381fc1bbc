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

package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/micalang/mpkg/commands"
	"github.com/micalang/mpkg/config"
	"github.com/micalang/mpkg/pkg/mpkg"
)

// Viper loads and stores the user configuration through viper.
type Viper struct {
	cacheDir          string
	switchRoot        string
	buildTool         string
	noAutosync        bool
	noDefaultRegistry bool
}

func NewViper(cacheDir string, switchRoot string, buildTool string, noAutosync bool, noDefaultRegistry bool) *Viper {
	return &Viper{
		cacheDir:          cacheDir,
		switchRoot:        switchRoot,
		buildTool:         buildTool,
		noAutosync:        noAutosync,
		noDefaultRegistry: noDefaultRegistry,
	}
}

func (vc *Viper) Init(cfgFile string) error {
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func (vc *Viper) Load(ctx context.Context) (*commands.Config, error) {
	result := commands.Config{}

	if vc.cacheDir == "" {
		var err error
		result.RegistryCachePath, err = config.RegistryCachePath()
		if err != nil {
			return nil, err
		}
		result.SourceCachePath, err = config.SourceCachePath()
		if err != nil {
			return nil, err
		}
	} else {
		result.RegistryCachePath = filepath.Join(vc.cacheDir, "registries")
		result.SourceCachePath = filepath.Join(vc.cacheDir, "sources")
	}

	if vc.switchRoot != "" {
		result.SwitchRoot = vc.switchRoot
	} else {
		var err error
		result.SwitchRoot, err = config.SwitchRootPath()
		if err != nil {
			return nil, err
		}
	}

	result.BuildTool = vc.buildTool
	if result.BuildTool == "" {
		result.BuildTool = os.Getenv(config.BuildToolEnv)
	}
	if result.BuildTool == "" && viper.IsSet(commands.ConfigKeyBuildTool) {
		result.BuildTool = viper.GetString(commands.ConfigKeyBuildTool)
	}

	if viper.IsSet(commands.ConfigKeyJobs) {
		result.Jobs = viper.GetInt(commands.ConfigKeyJobs)
	}

	if viper.IsSet(commands.ConfigKeyRegistries) {
		err := viper.UnmarshalKey(commands.ConfigKeyRegistries, &result.RegistryConfigs)
		if err != nil {
			return nil, err
		}
		if result.RegistryConfigs == nil {
			// Viper seems to just ignore empty lists.
			result.RegistryConfigs = mpkg.RegistryConfigs{}
		}
	} else if vc.noDefaultRegistry {
		result.RegistryConfigs = mpkg.RegistryConfigs{}
	}

	if vc.noAutosync {
		sync := false
		result.Autosync = &sync
	} else if viper.IsSet(commands.ConfigKeyAutosync) {
		sync := viper.GetBool(commands.ConfigKeyAutosync)
		result.Autosync = &sync
	}

	return &result, nil
}

func (vc *Viper) Store(ctx context.Context, cfg *commands.Config) error {
	if cfg.Autosync != nil {
		viper.Set(commands.ConfigKeyAutosync, *cfg.Autosync)
	}
	if cfg.RegistryConfigs != nil {
		viper.Set(commands.ConfigKeyRegistries, cfg.RegistryConfigs)
	}
	if cfg.Jobs > 0 {
		viper.Set(commands.ConfigKeyJobs, cfg.Jobs)
	}
	return viper.WriteConfig()
}
