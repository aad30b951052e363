// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoRulesDir is returned by Watch when the store has no rules directory.
var ErrNoRulesDir = errors.New("no rules directory configured")

// Watch reloads the store whenever a rule file in its directory changes.
//
// # Description
//
// Events are debounced so an editor's write-rename sequence triggers one
// reload. A failed reload keeps the previous snapshot. Watch blocks until
// ctx is cancelled.
//
// # Inputs
//
//   - ctx: Cancels the watch.
//   - debounce: Quiet period before reloading. Zero means 250ms.
//
// # Outputs
//
//   - error: nil on cancellation; setup errors otherwise.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.opts.RulesDir == "" {
		return ErrNoRulesDir
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.opts.RulesDir); err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(filepath.Base(event.Name)) || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			pending = true

		case <-timer.C:
			pending = false
			if _, err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("hot reload failed, keeping previous rules", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("rule watcher error", slog.String("error", err.Error()))
		}
	}
}
