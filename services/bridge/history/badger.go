// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	badgerstore "github.com/AleutianAI/lspbridge/services/bridge/storage/badger"
)

var entryPrefix = []byte("entry/")

// entryKey is the prefix plus the big-endian sequence number, so key order
// is sequence order.
func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

// BadgerBackend persists entries in BadgerDB as msgpack values.
type BadgerBackend struct {
	db    *badgerstore.DB
	owned bool
}

// NewBadgerBackend wraps an open database. Close leaves it open.
func NewBadgerBackend(db *badgerstore.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// OpenBadgerBackend opens a database at path, or in memory when path is
// empty. Close closes it.
func OpenBadgerBackend(path string, logger *slog.Logger) (*BadgerBackend, error) {
	cfg := badgerstore.InMemoryConfig()
	if path != "" {
		cfg = badgerstore.DefaultConfig(path)
	}
	cfg.Logger = logger
	db, err := badgerstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db, owned: true}, nil
}

// Load implements Backend.
func (b *BadgerBackend) Load(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := b.db.ScanPrefix(ctx, entryPrefix, func(key, value []byte) error {
		var e Entry
		if err := msgpack.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode %x: %w", key, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Put implements Backend.
func (b *BadgerBackend) Put(ctx context.Context, e Entry) error {
	value, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	return b.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Seq), value)
	})
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(ctx context.Context, seqs []uint64) error {
	return b.db.Update(ctx, func(txn *badger.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(entryKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}
