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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/micalang/mpkg/commands"
	"github.com/micalang/mpkg/config"
	"github.com/micalang/mpkg/config/store"
	"github.com/micalang/mpkg/pkg/mpkg"
)

var (
	rootCmd = &cobra.Command{
		Use:              "micapkg",
		Short:            "Run pkg commands",
		TraverseChildren: true,
	}
)

func getTrimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func main() {
	cfgFile := getTrimmedEnv("MICA_CONFIG_FILE")
	cacheDir := getTrimmedEnv("MICA_CACHE_DIR")
	switchRoot := getTrimmedEnv(config.SwitchRootEnv)
	buildTool := getTrimmedEnv(config.BuildToolEnv)
	noDefaultRegistry := getTrimmedEnv("MICA_NO_DEFAULT_REGISTRY")
	noAutosync := getTrimmedEnv("MICA_NO_AUTO_SYNC")

	configStore := store.NewViper(cacheDir, switchRoot, buildTool, noAutosync != "", noDefaultRegistry != "")
	cobra.OnInitialize(func() {
		if cfgFile == "" {
			cfgFile, _ = config.UserConfigFile()
		}
		configStore.Init(cfgFile)
	})

	rootCmd.AddCommand(commands.Pkg(configStore, nil))
	err := rootCmd.Execute()
	if err != nil && !mpkg.IsErrAlreadyReported(err) {
		fmt.Fprintln(os.Stderr, "Error:", commands.ErrorMessage(err))
	}
	os.Exit(commands.ExitCode(err))
}
