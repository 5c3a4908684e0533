// run.go: the run and poll commands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	supervisor "github.com/agilira/go-supervisor"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(flags *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the container on a fixed cadence until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.close()

			var settings supervisor.SettingsSource = env.config
			if watch && flags.configPath != "" {
				watcher, err := supervisor.NewConfigWatcher(flags.configPath, supervisor.ConfigWatcherOptions{
					Audit: env.config.Audit,
				}, env.logger)
				if err != nil {
					return err
				}
				if err := watcher.Start(); err != nil {
					return err
				}
				defer func() { _ = watcher.Stop() }()
				watcher.OnChange(func(old, updated *supervisor.Config) {
					if old.Container != updated.Container {
						env.logger.Info("Polled container changed", "old", old.Container, "new", updated.Container)
					}
				})
				settings = watcher
			}

			sv, err := supervisor.New(env.config.Options(env.store, settings, env.logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env.logger.Info("Supervisor started", "container", env.config.Container, "interval", env.config.PollInterval)
			runErr := sv.Run(ctx, env.config.PollInterval)

			env.logger.Info("Shutting down, destroying all execution contexts")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sv.Close(shutdownCtx); err != nil {
				env.logger.Warn("Supervised tasks did not finish in time", "error", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the configuration file when it changes")
	return cmd
}

func newPollCommand(flags *globalFlags) *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle",
		Long: `Run a single poll cycle. Loaded plugins keep running for --hold, then every
execution context is destroyed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.close()

			sv, err := supervisor.New(env.config.Options(env.store, env.config, env.logger))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pollErr := sv.Poll(ctx)
			for _, name := range sv.Contexts().Names() {
				if d, ok := sv.Descriptor(name); ok {
					env.logger.Info("Plugin loaded", "plugin", name, "version", d.LastKnownVersion, "runtime", d.Runtime)
				}
			}

			if hold > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(hold):
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sv.Close(shutdownCtx); err != nil {
				env.logger.Warn("Supervised tasks did not finish in time", "error", err)
			}
			return pollErr
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep loaded plugins running for this long before exiting")
	return cmd
}
