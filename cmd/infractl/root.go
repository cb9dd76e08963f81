// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/railinfra/infracache/pkg/logging"
	"github.com/railinfra/infracache/services/infra/config"
	"github.com/spf13/cobra"
)

// rootOptions is shared by every subcommand. It is filled by the root
// PersistentPreRunE before any RunE executes.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "infractl",
		Short: "Manage railway infrastructures and their generated layers",
		Long: `infractl imports railjson infrastructures, applies edit batches,
keeps the generated map layers in sync and repairs dangling references.`,
		SilenceUsage:      true,
		PersistentPreRunE: opts.load,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default ~/.infracache/infracache.yaml, created on first run)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newListCmd(opts),
		newImportCmd(opts),
		newExportCmd(opts),
		newEditCmd(opts),
		newRefreshCmd(opts),
		newClearCmd(opts),
		newAutofixCmd(opts),
		newRefsCmd(opts),
		newCloneCmd(opts),
		newDeleteCmd(opts),
		newLockCmd(opts, true),
		newLockCmd(opts, false),
		newServeCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load(cmd *cobra.Command, _ []string) error {
	var err error
	if o.configPath == "" {
		var path string
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
		o.cfg, err = config.LoadOrCreate(path)
	} else {
		o.cfg, err = config.Load(o.configPath)
	}
	if err != nil {
		return err
	}

	levelName := o.cfg.Logging.Level
	if o.logLevel != "" {
		levelName = o.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	// A server whose stderr is collected by a supervisor logs JSON.
	jsonLogs := o.cfg.Logging.JSON ||
		(cmd.Name() == "serve" && !isatty.IsTerminal(os.Stderr.Fd()))
	o.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  o.cfg.Logging.Dir,
		Service: "infractl",
		JSON:    jsonLogs,
		Output:  cmd.ErrOrStderr(),
	})
	return nil
}

// withApp opens the store and services for the duration of fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(o.cfg, o.logger.Slog())
	if err != nil {
		return fmt.Errorf("open %s store: %w", o.cfg.Store.Backend, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			o.logger.Warn("closing store", "error", err)
		}
	}()
	return fn(cmd.Context(), a)
}
