// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive keeps pipeline outcomes in an embedded BadgerDB.
//
// Ordinary runs expire after the configured TTL. Quarantined runs are
// written a second time under their own prefix without a TTL, so a run that
// failed the metadata contract stays available for inspection.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
)

const (
	runPrefix        = "run/"
	quarantinePrefix = "quarantine/"
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Record is one archived run.
type Record struct {
	RunID            string          `json:"run_id"`
	CreatedAt        time.Time       `json:"created_at"`
	Quarantined      bool            `json:"quarantined"`
	QuarantineReason string          `json:"quarantine_reason,omitempty"`
	Output           pipeline.Output `json:"output"`
	RawSnapshot      json.RawMessage `json:"raw_snapshot,omitempty"`
}

// FromContext builds the record for a finished run.
func FromContext(rc *pipeline.Context) Record {
	return Record{
		RunID:            rc.RunID,
		CreatedAt:        rc.StartedAt,
		Quarantined:      rc.Quarantined,
		QuarantineReason: rc.QuarantineReason,
		Output:           rc.Output(),
		RawSnapshot:      rc.RawSnapshot,
	}
}

// Archive stores run records.
//
// Thread Safety: safe for concurrent use.
type Archive struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens the archive described by cfg.
func Open(cfg config.ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "archive"))

	db, err := openDB(cfg.Path, cfg.InMemory, logger)
	if err != nil {
		return nil, err
	}
	a := &Archive{db: db, ttl: cfg.TTL, logger: logger}
	if !cfg.InMemory {
		a.stop = make(chan struct{})
		a.done = make(chan struct{})
		go gcLoop(db, a.stop, a.done, logger)
	}
	return a, nil
}

// Put stores rec. A quarantined record is also indexed under the
// quarantine prefix without expiry.
func (a *Archive) Put(rec Record) error {
	if rec.RunID == "" {
		return errors.New("archive: run id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.RunID, err)
	}

	return a.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(runKey(rec.RunID), data)
		if a.ttl > 0 && !rec.Quarantined {
			e = e.WithTTL(a.ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		if rec.Quarantined {
			return txn.Set(quarantineKey(rec.CreatedAt, rec.RunID), data)
		}
		return nil
	})
}

// Get returns the record of runID.
func (a *Archive) Get(runID string) (*Record, error) {
	var rec Record
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", runID, err)
	}
	return &rec, nil
}

// ListQuarantined returns up to limit quarantined records, newest first.
// A limit of zero or less returns all of them.
func (a *Archive) ListQuarantined(limit int) ([]Record, error) {
	var out []Record
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(quarantinePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix.
		for it.Seek([]byte(quarantinePrefix + "\xff")); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list quarantined runs: %w", err)
	}
	return out, nil
}

// Close stops background GC and closes the database. Safe to call more
// than once.
func (a *Archive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.stop != nil {
			close(a.stop)
			<-a.done
		}
		err = a.db.Close()
	})
	return err
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

// quarantineKey sorts by creation time.
func quarantineKey(created time.Time, runID string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", quarantinePrefix, created.UnixNano(), runID))
}
