// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/AleutianInquiry/services/inquiry/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := store.Record{ID: "header", PartitionKey: "sess-1", Data: []byte(`{"a":1}`)}
	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get("sess-1", "header")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Errorf("data = %q, want %q", got.Data, rec.Data)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("sess-1", "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestPutEnforcesRecordCeiling(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.MaxRecordSize = 128
	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Put(store.Record{ID: "big", PartitionKey: "p", Data: make([]byte, 256)})
	if !errors.Is(err, store.ErrRecordTooLarge) {
		t.Errorf("err = %v, want store.ErrRecordTooLarge", err)
	}
	if s.MaxRecordSize() != 128 {
		t.Errorf("MaxRecordSize = %d", s.MaxRecordSize())
	}
}

func TestQueryReturnsPrefixMatchesInOrder(t *testing.T) {
	s := openTestStore(t)

	for i := 4; i >= 0; i-- {
		rec := store.Record{
			ID:           fmt.Sprintf("chunk#set1#%06d", i),
			PartitionKey: "sess-q",
			Data:         []byte{byte(i)},
		}
		if err := s.Put(rec); err != nil {
			t.Fatal(err)
		}
	}
	// Records in another partition and under another prefix must not
	// show up.
	s.Put(store.Record{ID: "chunk#set1#000000", PartitionKey: "other", Data: []byte("x")})
	s.Put(store.Record{ID: "header", PartitionKey: "sess-q", Data: []byte("h")})

	recs, err := s.Query("sess-q", "chunk#")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	for i, rec := range recs {
		want := fmt.Sprintf("chunk#set1#%06d", i)
		if rec.ID != want {
			t.Errorf("record %d has ID %s, want %s (key order)", i, rec.ID, want)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(store.Record{ID: "x", PartitionKey: "p", Data: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("p", "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("p", "x"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if _, err := s.Get("p", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
}
