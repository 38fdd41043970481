// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger implements the record store on BadgerDB, an embedded
// key-value store. Records are keyed as "<partition>/<id>", so a
// partition scan is a key-prefix iteration.
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/store"
)

// DefaultMaxRecordSize is the per-record ceiling when none is configured.
const DefaultMaxRecordSize = 64 * 1024

// Config holds the options for opening a badger-backed store.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory runs badger without disk persistence. Used in tests.
	InMemory bool

	// SyncWrites forces an fsync per write. Slower, but a crash cannot
	// lose an acknowledged record.
	SyncWrites bool

	// MaxRecordSize is the per-record ceiling in bytes. Zero means
	// DefaultMaxRecordSize.
	MaxRecordSize int

	// Logger receives badger's internal log output.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for a data directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		SyncWrites:    true,
		MaxRecordSize: DefaultMaxRecordSize,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:      true,
		MaxRecordSize: DefaultMaxRecordSize,
	}
}

// Store implements store.RecordStore on BadgerDB.
//
// Thread Safety:
//
//	Store is safe for concurrent use; badger transactions provide
//	isolation.
type Store struct {
	db            *badger.DB
	maxRecordSize int
}

// Open opens (or creates) a badger database per the configuration.
//
// Outputs:
//
//	*Store - The opened store. Call Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: path required for on-disk store")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}
	return &Store{db: db, maxRecordSize: cfg.MaxRecordSize}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxRecordSize implements store.RecordStore.
func (s *Store) MaxRecordSize() int { return s.maxRecordSize }

// key builds the badger key for a record.
func key(partitionKey, id string) []byte {
	return []byte(partitionKey + "/" + id)
}

// Put implements store.RecordStore.
func (s *Store) Put(rec store.Record) error {
	if len(rec.Data) > s.maxRecordSize {
		return fmt.Errorf("%w: %d bytes exceeds ceiling %d",
			store.ErrRecordTooLarge, len(rec.Data), s.maxRecordSize)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.PartitionKey, rec.ID), rec.Data)
	})
	if err != nil {
		return fmt.Errorf("badger: put %s/%s: %w", rec.PartitionKey, rec.ID, err)
	}
	return nil
}

// Get implements store.RecordStore.
func (s *Store) Get(partitionKey, id string) (store.Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(partitionKey, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Record{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, partitionKey, id)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("badger: get %s/%s: %w", partitionKey, id, err)
	}
	return store.Record{ID: id, PartitionKey: partitionKey, Data: data}, nil
}

// Query implements store.RecordStore. Results come back in key order,
// which for zero-padded chunk indexes is chunk order.
func (s *Store) Query(partitionKey, idPrefix string) ([]store.Record, error) {
	prefix := key(partitionKey, idPrefix)
	var out []store.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   16,
			Prefix:         prefix,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(item.Key()), partitionKey+"/")
			out = append(out, store.Record{
				ID:           id,
				PartitionKey: partitionKey,
				Data:         data,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: query %s/%s*: %w", partitionKey, idPrefix, err)
	}
	return out, nil
}

// Delete implements store.RecordStore.
func (s *Store) Delete(partitionKey, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(partitionKey, id))
	})
	if err != nil {
		return fmt.Errorf("badger: delete %s/%s: %w", partitionKey, id, err)
	}
	return nil
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
