// publish.go: the publish and unpublish commands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	supervisor "github.com/agilira/go-supervisor"
)

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var name, configFile string
	cmd := &cobra.Command{
		Use:   "publish <artifact-file>",
		Short: "Upload a plugin artifact and list it in the manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.close()
			container, err := env.container()
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			manifest := supervisor.NewManifestReader(env.store, env.logger)
			if err := manifest.EnsureBootstrap(ctx, container); err != nil {
				return err
			}
			if configFile != "" {
				cfg, err := os.ReadFile(configFile)
				if err != nil {
					return err
				}
				if err := env.store.Upload(ctx, container, supervisor.ConfigKey(name), cfg); err != nil {
					return err
				}
			}
			if err := env.store.Upload(ctx, container, name, data); err != nil {
				return err
			}

			names, err := manifest.Read(ctx, container)
			if err != nil {
				return err
			}
			if !slices.Contains(names, name) {
				names = append(names, name)
				if err := env.store.UploadText(ctx, container, supervisor.ManifestKey, strings.Join(names, "\n")+"\n"); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (%d bytes)\n", name, container, len(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "artifact name (defaults to the file name)")
	cmd.Flags().StringVar(&configFile, "config-file", "", "configuration companion uploaded as <name>.config")
	return cmd
}

func newUnpublishCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <name>",
		Short: "Remove a plugin from the manifest and delete its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.close()
			container, err := env.container()
			if err != nil {
				return err
			}
			name := args[0]
			ctx := cmd.Context()

			names, err := supervisor.NewManifestReader(env.store, env.logger).Read(ctx, container)
			if err != nil {
				return err
			}
			kept := slices.DeleteFunc(names, func(n string) bool { return n == name })
			if err := env.store.UploadText(ctx, container, supervisor.ManifestKey, strings.Join(kept, "\n")+"\n"); err != nil {
				return err
			}
			for _, key := range []string{name, supervisor.ConfigKey(name), supervisor.ErrorKey(name)} {
				if err := env.store.DeleteIfExists(ctx, container, key); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unpublished %s from %s\n", name, container)
			return nil
		},
	}
}
