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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDoctor/services/doctor"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/patterns"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/plugins"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the doctor HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, doctor.Version)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTelemetry(tctx); err != nil {
					slog.Warn("telemetry shutdown", slog.String("error", err.Error()))
				}
			}()

			svc, err := doctor.NewService(cfg, logger.Slog())
			if err != nil {
				return err
			}
			defer svc.Close()
			svc.Start(ctx)

			srv := svc.HTTPServer()
			errc := make(chan error, 1)
			go func() {
				slog.Info("doctor listening",
					slog.String("addr", srv.Addr),
					slog.String("privacy", cfg.Privacy.Mode),
					slog.String("provider", cfg.Provider.Kind))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("shutting down doctor")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	var (
		diagnose bool
		question string
	)
	cmd := &cobra.Command{
		Use:   "analyze [file|-]",
		Short: "Analyze an error event and print the pipeline output",
		Long: "Reads an error event as JSON from a file, or stdin when the argument\n" +
			"is '-' or missing. With --diagnose the reply of the configured model is\n" +
			"streamed after the analysis.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			event, err := datatypes.DecodeEvent(in)
			if err != nil {
				return err
			}

			svc, err := doctor.NewService(cfg, logger.Slog())
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			rc, err := svc.Analyze(ctx, event)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := writeJSON(out, rc.Output()); err != nil {
				return err
			}
			if !diagnose {
				return nil
			}

			fmt.Fprintln(out)
			_, err = svc.Ask(ctx, rc, question, func(chunk string) error {
				_, werr := io.WriteString(out, chunk)
				return werr
			})
			fmt.Fprintln(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&diagnose, "diagnose", false, "send the payload to the configured model")
	cmd.Flags().StringVarP(&question, "question", "q", "", "extra question for the model")
	return cmd
}

func newPluginCmd() *cobra.Command {
	plugin := &cobra.Command{
		Use:   "plugin",
		Short: "Manage community plugins",
	}

	var (
		version string
		sign    bool
		stdout  bool
	)
	manifest := &cobra.Command{
		Use:   "manifest <file>",
		Short: "Write the manifest pinning a plugin's current bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			if sign {
				if cfg.Plugins.SignatureKey == "" {
					return errors.New("--sign needs plugins.signature_key")
				}
				buf := memguard.NewBufferFromBytes([]byte(cfg.Plugins.SignatureKey))
				defer buf.Destroy()
				key = buf.Bytes()
			}
			m, err := plugins.BuildManifest(args[0], version, key)
			if err != nil {
				return err
			}
			if stdout {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			data, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			path := filepath.Join(filepath.Dir(args[0]), m.ID+".json")
			if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	manifest.Flags().StringVar(&version, "version", "", "plugin version (default 0.1.0)")
	manifest.Flags().BoolVar(&sign, "sign", false, "add an HMAC signature with plugins.signature_key")
	manifest.Flags().BoolVar(&stdout, "stdout", false, "print the manifest instead of writing it")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Evaluate every plugin and print its trust decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := plugins.NewEngine(cfg.Plugins, logger.Slog())
			defer engine.Close()
			loaded, err := engine.Load(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDECISION\tEXECUTABLE\tREASON")
			for _, l := range loaded {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", l.ID, l.Decision, l.Executable, l.Reason)
			}
			return tw.Flush()
		},
	}

	plugin.AddCommand(manifest, verify)
	return plugin
}

func newPatternsCmd() *cobra.Command {
	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect failure pattern rules",
	}
	check := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate the built-in rules plus a rules directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.Patterns.RulesDir
			if len(args) == 1 {
				dir = args[0]
			}
			store, err := patterns.NewStore(patterns.Options{RulesDir: dir, Logger: logger.Slog()})
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%d patterns OK\n", snap.Len())
			return nil
		},
	}
	patternsCmd.AddCommand(check)
	return patternsCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
