// root.go: supervisord command tree
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	supervisor "github.com/agilira/go-supervisor"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the supervisord command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "supervisord",
		Short: "Plugin supervisor - keeps the plugins of a container running",
		Long: `supervisord polls a container of an artifact store, loads every plugin listed
in its "__entrypoint.txt" manifest into an isolated execution context, and
reloads a plugin whenever a newer artifact is uploaded.

Plugin failures are written back into the container as
"<plugin>__an_error_occured.txt" records.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newPollCommand(flags))
	rootCmd.AddCommand(newPublishCommand(flags))
	rootCmd.AddCommand(newUnpublishCommand(flags))
	return rootCmd
}

// environment is what every command needs: the configuration, a logger and
// an open store.
type environment struct {
	config *supervisor.Config
	logger supervisor.Logger
	store  supervisor.Store
}

func setup(flags *globalFlags) (*environment, error) {
	config, err := supervisor.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		config.Logging.Level = flags.logLevel
	}
	logger := supervisor.NewLoggerFromConfig(config.Logging, os.Stderr)

	store, err := supervisor.OpenStore(config.Store)
	if err != nil {
		return nil, err
	}
	logger.Debug("Store opened", "driver", config.Store.Driver)
	return &environment{config: config, logger: logger, store: store}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close store", "error", err)
	}
}

func (e *environment) container() (string, error) {
	if e.config.Container == "" {
		return "", supervisor.NewConfigurationError(supervisor.SettingContainer)
	}
	return e.config.Container, nil
}
