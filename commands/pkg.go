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

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/micalang/mpkg/pkg/mpkg"
)

const ConfigKeyRegistries = "pkg.registries"
const ConfigKeyAutosync = "pkg.autosync"
const ConfigKeyJobs = "pkg.jobs"
const ConfigKeyBuildTool = "pkg.buildtool"

// ConfigStore gives the commands access to the user configuration.
type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Store(ctx context.Context, cfg *Config) error
}

type Config struct {
	SwitchRoot        string
	RegistryCachePath string
	SourceCachePath   string
	BuildTool         string
	Jobs              int

	// The following entries must be `nil` if they are not set in the
	// configuration.
	// Note that viper changes empty lists to `nil` so it's important
	// to check for that case.
	RegistryConfigs mpkg.RegistryConfigs
	Autosync        *bool
}

var defaultRegistry = mpkg.RegistryConfig{
	Name: "mica",
	Kind: mpkg.RegistryKindGit,
	Path: "github.com/micalang/registry",
}

type pkgHandler struct {
	cfgStore ConfigStore
	cfg      *Config
	ui       mpkg.UI
}

func (h *pkgHandler) getRegistryConfigsOrDefault() mpkg.RegistryConfigs {
	if h.hasRegistryConfigs() {
		return h.cfg.RegistryConfigs
	}
	return []mpkg.RegistryConfig{defaultRegistry}
}

func (h *pkgHandler) hasRegistryConfigs() bool {
	return h.cfg.RegistryConfigs != nil
}

func (h *pkgHandler) saveRegistryConfigs(ctx context.Context, configs mpkg.RegistryConfigs) error {
	h.cfg.RegistryConfigs = configs
	return h.cfgStore.Store(ctx, h.cfg)
}

func (h *pkgHandler) shouldAutosync() bool {
	if h.cfg.Autosync != nil {
		return *h.cfg.Autosync
	}
	return true
}

func (h *pkgHandler) buildStore() *mpkg.Store {
	return mpkg.NewStore(h.cfg.SwitchRoot, h.ui)
}

func (h *pkgHandler) loadRegistries(ctx context.Context, sync bool) (mpkg.Registries, error) {
	return mpkg.LoadRegistries(ctx, h.getRegistryConfigsOrDefault(), sync, h.cfg.RegistryCachePath, h.ui)
}

func (h *pkgHandler) buildManager(ctx context.Context, sync bool) (*mpkg.Manager, error) {
	registries, err := h.loadRegistries(ctx, sync)
	if err != nil {
		return nil, err
	}
	builder := mpkg.NewExecBuilder(h.cfg.BuildTool, h.ui)
	fetcher := mpkg.NewGitFetcher(h.cfg.SourceCachePath, h.ui)
	manager := mpkg.NewManager(registries, h.buildStore(), builder, fetcher, buildEnv(), h.ui)
	if h.cfg.Jobs > 0 {
		manager.Jobs = h.cfg.Jobs
	}
	return manager, nil
}

// buildEnv collects the MICA_FEATURE_* variables the dependency
// filters are evaluated against.
func buildEnv() map[string]string {
	env := map[string]string{}
	const prefix = "MICA_FEATURE_"
	for _, entry := range os.Environ() {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				key := entry[:i]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					env[key[len(prefix):]] = entry[i+1:]
				}
				break
			}
		}
	}
	return env
}

// ExitCode maps an error to the process exit code:
// 0 success, 1 resolution failure, 2 execution failure (the switch
// has been rolled back), 3 usage error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var conflictErr *mpkg.ConflictError
	var execErr *mpkg.ExecutionError
	var requestErr *mpkg.RequestError
	var unknownErr *mpkg.UnknownPackageError
	switch {
	case errors.As(err, &conflictErr):
		return 1
	case mpkg.IsErrAlreadyReported(err):
		return 1
	case errors.As(err, &execErr):
		return 2
	case mpkg.IsFatal(err):
		return 2
	case errors.As(err, &requestErr):
		return 3
	case errors.As(err, &unknownErr):
		return 3
	}
	return 3
}

// Pkg builds the package-management command tree.
func Pkg(cfgStore ConfigStore, ui mpkg.UI) *cobra.Command {
	if ui == nil {
		ui = mpkg.FmtUI
	}
	handler := &pkgHandler{
		cfgStore: cfgStore,
		ui:       ui,
	}

	var switchName string
	var noAutosync bool
	var jobs int
	var timeout time.Duration

	prepare := func(cmd *cobra.Command) (context.Context, error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := cfgStore.Load(ctx)
		if err != nil {
			return nil, err
		}
		handler.cfg = cfg
		if jobs > 0 {
			handler.cfg.Jobs = jobs
		}
		return ctx, nil
	}

	manager := func(cmd *cobra.Command) (context.Context, *mpkg.Manager, error) {
		ctx, err := prepare(cmd)
		if err != nil {
			return nil, nil, err
		}
		m, err := handler.buildManager(ctx, handler.shouldAutosync() && !noAutosync)
		if err != nil {
			return nil, nil, err
		}
		m.ActionTimeout = timeout
		return ctx, m, nil
	}

	pkgCmd := &cobra.Command{
		Use:           "pkg",
		Short:         "Manage packages of a switch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pkgCmd.PersistentFlags().StringVarP(&switchName, "switch", "s", "default", "switch to operate on")
	pkgCmd.PersistentFlags().BoolVar(&noAutosync, "no-autosync", false, "don't synchronize registries first")
	pkgCmd.PersistentFlags().IntVarP(&jobs, "jobs", "j", 0, "how many actions may run in parallel")
	pkgCmd.PersistentFlags().DurationVar(&timeout, "action-timeout", 0, "timeout for each external build/install step")

	installCmd := &cobra.Command{
		Use:   "install <name[@constraint]>...",
		Short: "Install packages into the switch",
		Long: `Installs the given packages (and their dependencies) into the switch.

A constraint can be given after '@': 'foo@1.2' accepts any 1.2.x
version, 'foo@^1.2.3' anything semver-compatible with 1.2.3.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Install(ctx, switchName, args)
		},
	}
	pkgCmd.AddCommand(installCmd)

	removeCmd := &cobra.Command{
		Use:   "remove <name>...",
		Short: "Remove packages from the switch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Remove(ctx, switchName, args)
		},
	}
	pkgCmd.AddCommand(removeCmd)

	upgradeCmd := &cobra.Command{
		Use:   "upgrade [<name>...]",
		Short: "Upgrade packages to newer versions",
		Long: `Upgrades the given packages (all installed packages if none are
given) to the newest versions the constraints allow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Upgrade(ctx, switchName, args)
		},
	}
	pkgCmd.AddCommand(upgradeCmd)

	pinCmd := &cobra.Command{
		Use:   "pin <name> <version>",
		Short: "Pin a package to one exact version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Pin(ctx, switchName, args[0], args[1])
		},
	}
	pkgCmd.AddCommand(pinCmd)

	unpinCmd := &cobra.Command{
		Use:   "unpin <name>",
		Short: "Remove the pin of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Unpin(ctx, switchName, args[0])
		},
	}
	pkgCmd.AddCommand(unpinCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the installed packages of the switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			manager := mpkg.NewManager(nil, handler.buildStore(), nil, nil, nil, handler.ui)
			pkgs, err := manager.List(switchName)
			if err != nil {
				return err
			}
			for _, pkg := range pkgs {
				marker := ""
				if !pkg.Explicit {
					marker = " (dependency)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s\n", pkg.Name, pkg.Version, marker)
			}
			return nil
		},
	}
	pkgCmd.AddCommand(listCmd)

	searchCmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search registries for packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := prepare(cmd)
			if err != nil {
				return err
			}
			registries, err := handler.loadRegistries(ctx, false)
			if err != nil {
				return err
			}
			found, err := registries.SearchName(args[0])
			if err != nil {
				return err
			}
			for _, desc := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s - %s\n", desc.Name, desc.Version, desc.Description)
			}
			return nil
		},
	}
	pkgCmd.AddCommand(searchCmd)

	pkgCmd.AddCommand(switchCmd(handler, prepare))
	pkgCmd.AddCommand(registryCmd(handler, prepare))
	pkgCmd.AddCommand(syncCmd(handler, prepare))

	return pkgCmd
}

func switchCmd(handler *pkgHandler, prepare func(cmd *cobra.Command) (context.Context, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Manage switches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a new empty switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			_, err := handler.buildStore().Create(args[0])
			if err == nil {
				handler.ui.ReportInfo("Created switch '%s'", args[0])
			}
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a switch and everything installed in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			return handler.buildStore().Delete(args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all switches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			names, err := handler.buildStore().List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show the state of a switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			sw, err := handler.buildStore().Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "switch: %s\nroot: %s\n", sw.Name, sw.Root)
			for _, name := range sw.InstalledNames() {
				pkg := sw.Installed[name]
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", pkg.Name, pkg.Version)
			}
			for name, v := range sw.Pins {
				fmt.Fprintf(cmd.OutOrStdout(), "  pin: %s %s\n", name, v)
			}
			return nil
		},
	})
	return cmd
}

func registryCmd(handler *pkgHandler, prepare func(cmd *cobra.Command) (context.Context, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage registries",
	}
	var local bool
	addCmd := &cobra.Command{
		Use:   "add <name> <path-or-url>",
		Short: "Add a registry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := prepare(cmd)
			if err != nil {
				return err
			}
			kind := mpkg.RegistryKindGit
			if local {
				kind = mpkg.RegistryKindLocal
			}
			configs := handler.getRegistryConfigsOrDefault()
			for _, cfg := range configs {
				if cfg.Name == args[0] {
					return handler.ui.ReportError("Registry '%s' already exists", args[0])
				}
			}
			configs = append(configs, mpkg.RegistryConfig{
				Name: args[0],
				Kind: kind,
				Path: args[1],
			})
			return handler.saveRegistryConfigs(ctx, configs)
		},
	}
	addCmd.Flags().BoolVar(&local, "local", false, "the registry is a local directory")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := prepare(cmd)
			if err != nil {
				return err
			}
			configs := handler.getRegistryConfigsOrDefault()
			var remaining mpkg.RegistryConfigs
			for _, cfg := range configs {
				if cfg.Name != args[0] {
					remaining = append(remaining, cfg)
				}
			}
			if len(remaining) == len(configs) {
				return handler.ui.ReportError("Registry '%s' does not exist", args[0])
			}
			if remaining == nil {
				remaining = mpkg.RegistryConfigs{}
			}
			return handler.saveRegistryConfigs(ctx, remaining)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all registries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := prepare(cmd); err != nil {
				return err
			}
			for _, cfg := range handler.getRegistryConfigsOrDefault() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", cfg.Name, cfg.Kind, cfg.Path)
			}
			return nil
		},
	})
	return cmd
}

func syncCmd(handler *pkgHandler, prepare func(cmd *cobra.Command) (context.Context, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize all registries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := prepare(cmd)
			if err != nil {
				return err
			}
			_, err = handler.loadRegistries(ctx, true)
			return err
		},
	}
}
