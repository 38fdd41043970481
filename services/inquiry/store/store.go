// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the record-oriented persistence boundary used
// by the chunk codec. A record store holds opaque byte records under a
// (partition key, record ID) pair and enforces a per-record size
// ceiling; the codec above it is responsible for splitting anything
// bigger.
package store

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRecordTooLarge indicates a record exceeds the store's size
	// ceiling.
	ErrRecordTooLarge = errors.New("record too large")
)

// Record is one opaque stored record.
type Record struct {
	// ID identifies the record within its partition.
	ID string

	// PartitionKey groups records; queries scan within one partition.
	PartitionKey string

	// Data is the record body.
	Data []byte
}

// RecordStore is the persistence boundary for session chunks and
// headers.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type RecordStore interface {
	// Put writes a record, replacing any existing record with the same
	// partition key and ID. Returns ErrRecordTooLarge if Data exceeds
	// MaxRecordSize.
	Put(rec Record) error

	// Get reads one record. Returns ErrNotFound if absent.
	Get(partitionKey, id string) (Record, error)

	// Query returns all records in a partition whose ID starts with
	// idPrefix, in ID order. An empty prefix returns the whole
	// partition.
	Query(partitionKey, idPrefix string) ([]Record, error)

	// Delete removes one record. Deleting an absent record is not an
	// error.
	Delete(partitionKey, id string) error

	// MaxRecordSize returns the per-record size ceiling in bytes.
	MaxRecordSize() int
}
