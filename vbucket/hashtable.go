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

// Package vbucket implements the in-memory VBucket (component C5,
// spec.md §4.1): the striped hash table of live values, the two coexisting
// key spaces (committed/prepared), and the mutation entry points that hand
// off to the CheckpointManager and DurabilityMonitor.
package vbucket

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/erigon-lib/common"
)

// StoredValue is one live entry in the hash table, either in the committed
// key space or (while a Prepare is outstanding) the prepared key space
// (spec.md §3's two coexisting key spaces).
type StoredValue struct {
	Key        []byte
	Collection uint32
	Value      []byte
	Datatype   checkpoint.Datatype
	Expiry     time.Time
	CAS        common.CAS
	BySeqno    uint64
	RevSeqno   uint64
	Deleted    bool

	// PendingCommitted, when true, marks a prepared-space entry as a
	// SyncDelete: the committed-space lookup must still see the old value
	// (if any) until Commit lands (spec.md §9 Scenario D).
	PendingCommitted bool

	// Recommitting marks a prepared-space entry that survived a
	// Passive->Active takeover unresolved: a new mutate() on this key must
	// report SyncWriteReCommitInProgress, not the generic
	// SyncWriteInProgress, until the transferred Prepare resolves.
	Recommitting bool
}

const numStripes = 64

// stripe is one lock-protected shard of the hash table, the same
// mutex-per-shard idiom the teacher uses for its state cache shards.
type stripe struct {
	mu      sync.RWMutex
	values  map[string]*StoredValue
}

// HashTable is a striped concurrent map, one instance per key space
// (committed, prepared) per vBucket. A striped sync.RWMutex map is used
// instead of a bounded cache (`golang-lru`) because this is the
// authoritative store of live values: entries must never be evicted under
// memory pressure, only explicitly deleted — a semantic `golang-lru`'s
// eviction policy cannot provide, so no third-party library in the corpus
// fits this role and the stdlib-only `sync.RWMutex`+map is used directly.
type HashTable struct {
	stripes [numStripes]*stripe
}

func NewHashTable() *HashTable {
	h := &HashTable{}
	for i := range h.stripes {
		h.stripes[i] = &stripe{values: map[string]*StoredValue{}}
	}
	return h
}

func (h *HashTable) stripeFor(collection uint32, key []byte) *stripe {
	f := fnv.New32a()
	var buf [4]byte
	buf[0] = byte(collection >> 24)
	buf[1] = byte(collection >> 16)
	buf[2] = byte(collection >> 8)
	buf[3] = byte(collection)
	_, _ = f.Write(buf[:])
	_, _ = f.Write(key)
	return h.stripes[f.Sum32()%numStripes]
}

func compositeKey(collection uint32, key []byte) string {
	buf := make([]byte, 4+len(key))
	buf[0] = byte(collection >> 24)
	buf[1] = byte(collection >> 16)
	buf[2] = byte(collection >> 8)
	buf[3] = byte(collection)
	copy(buf[4:], key)
	return string(buf)
}

func (h *HashTable) Get(collection uint32, key []byte) (*StoredValue, bool) {
	s := h.stripeFor(collection, key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[compositeKey(collection, key)]
	return v, ok
}

func (h *HashTable) Set(v *StoredValue) {
	s := h.stripeFor(v.Collection, v.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[compositeKey(v.Collection, v.Key)] = v
}

func (h *HashTable) Delete(collection uint32, key []byte) {
	s := h.stripeFor(collection, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, compositeKey(collection, key))
}

// Len reports the total number of live entries, summed across stripes.
func (h *HashTable) Len() int {
	n := 0
	for _, s := range h.stripes {
		s.mu.RLock()
		n += len(s.values)
		s.mu.RUnlock()
	}
	return n
}
