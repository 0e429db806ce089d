// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package fixturestore is the "no-op storage" kv.Store fixture named in
// spec.md §9's Bucket re-architecture note: an in-memory stand-in with the
// full Store contract. It backs the Ephemeral bucket and is used by unit
// tests that don't want a real MDBX environment on disk.
package fixturestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/erigontech/erigon-lib/kv"
)

type vbShard struct {
	mu    sync.RWMutex
	items map[string]kv.Record
	state kv.VBucketState
	has   bool
}

// Store is a fully in-memory kv.Store: a mutex-guarded map of per-vBucket
// shards.
type Store struct {
	mu       sync.Mutex
	vbuckets map[uint16]*vbShard
}

func New() *Store {
	return &Store{vbuckets: map[uint16]*vbShard{}}
}

func (s *Store) shard(vbid uint16) *vbShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.vbuckets[vbid]
	if !ok {
		sh = &vbShard{items: map[string]kv.Record{}}
		s.vbuckets[vbid] = sh
	}
	return sh
}

func (s *Store) Put(_ context.Context, vbid uint16, key kv.DiskKey, value []byte) error {
	sh := s.shard(vbid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.items[string(key.Encode())] = kv.Record{Value: append([]byte(nil), value...)}
	return nil
}

func (s *Store) Get(_ context.Context, vbid uint16, key kv.DiskKey) (kv.Record, bool, error) {
	sh := s.shard(vbid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.items[string(key.Encode())]
	return rec, ok, nil
}

func (s *Store) Delete(_ context.Context, vbid uint16, key kv.DiskKey) error {
	sh := s.shard(vbid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.items, string(key.Encode()))
	return nil
}

func (s *Store) Commit(_ context.Context, batch kv.Batch) error {
	sh := s.shard(batch.VBucketID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, op := range batch.Ops {
		k := string(op.Key.Encode())
		if op.Delete {
			delete(sh.items, k)
			continue
		}
		sh.items[k] = kv.Record{
			Value:   append([]byte(nil), op.Value...),
			Deleted: op.Deleted,
			Expiry:  op.Expiry,
			BySeqno: op.BySeqno,
		}
	}
	sh.state = batch.State
	sh.has = true
	return nil
}

func (s *Store) Scan(_ context.Context, r kv.ScanRange) (kv.Iterator, error) {
	sh := s.shard(r.VBucketID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	type kvp struct {
		k kv.DiskKey
		v []byte
	}
	out := make([]kvp, 0, len(sh.items))
	for raw, rec := range sh.items {
		dk, err := kv.DecodeDiskKey([]byte(raw))
		if err != nil {
			continue
		}
		if dk.Space != r.Space {
			continue
		}
		if r.FromKey != nil && string(dk.Key) < string(r.FromKey) {
			continue
		}
		if r.ToKey != nil && string(dk.Key) >= string(r.ToKey) {
			continue
		}
		out = append(out, kvp{dk, rec.Value})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].k.Key) < string(out[j].k.Key) })
	return &sliceIterator{items: out}, nil
}

type sliceIterator struct {
	items []struct {
		k kv.DiskKey
		v []byte
	}
	pos int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}
func (it *sliceIterator) Key() kv.DiskKey { return it.items[it.pos-1].k }
func (it *sliceIterator) Value() []byte   { return it.items[it.pos-1].v }
func (it *sliceIterator) Err() error      { return nil }
func (it *sliceIterator) Close()          {}

// Compact walks committed-space items only (spec.md §9 open question 1,
// Scenario D): a live item past its Expiry fires OnExpired, a tombstone
// older than cfg.PurgeBefore is dropped and fires OnDropped. Neither ever
// fires for a prepared-space entry.
func (s *Store) Compact(_ context.Context, vbid uint16, cfg kv.CompactConfig, cb kv.CompactCallbacks) error {
	sh := s.shard(vbid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	for raw, rec := range sh.items {
		dk, err := kv.DecodeDiskKey([]byte(raw))
		if err != nil {
			continue
		}
		if dk.Space != kv.KeySpaceCommitted {
			continue
		}
		if rec.Deleted {
			if cfg.PurgeBefore > 0 && rec.BySeqno < cfg.PurgeBefore {
				delete(sh.items, raw)
				if cb.OnDropped != nil {
					cb.OnDropped(vbid, dk)
				}
			}
			continue
		}
		if !rec.Expiry.IsZero() && !rec.Expiry.After(now) && cb.OnExpired != nil {
			cb.OnExpired(vbid, dk, rec.Value)
		}
	}
	return nil
}

func (s *Store) Rollback(_ context.Context, vbid uint16, targetSeqno uint64) (kv.RollbackResult, error) {
	return kv.RollbackResult{Seqno: targetSeqno}, nil
}

func (s *Store) LoadState(_ context.Context, vbid uint16) (kv.VBucketState, bool, error) {
	sh := s.shard(vbid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.state, sh.has, nil
}

func (s *Store) Close() error { return nil }
