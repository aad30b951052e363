// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command doctor runs the crash-diagnostics service and its maintenance
// tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDoctor/pkg/logging"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

// --- Global Command Variables ---
var (
	configPath string

	cfg    *config.Config
	logger *logging.Logger
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "doctor",
		Short:         "Diagnose failed workflow runs",
		Long:          "doctor analyzes workflow crash reports, matches known failure patterns\nand asks a configured model for a fix.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Logging.Level),
				JSON:    cfg.Logging.JSON,
				LogDir:  cfg.Logging.LogDir,
				Service: "doctor",
				Output:  cmd.ErrOrStderr(),
				Redact: func(s string) string {
					return sanitize.Sanitize(s, sanitize.LevelBasic)
				},
			})
			slog.SetDefault(logger.Slog())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./doctor.yaml or ~/.aleutian/doctor.yaml)")

	root.AddCommand(newServeCmd(), newAnalyzeCmd(), newPluginCmd(), newPatternsCmd())
	return root
}
