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

package kv

import (
	"context"
	"time"

	"github.com/erigontech/erigon-lib/common"
)

// VBucketStatus is the persisted lifecycle state of a vbucket (spec.md §3).
type VBucketStatus uint8

const (
	VBucketActive VBucketStatus = iota
	VBucketReplica
	VBucketPending
	VBucketDead
)

func (s VBucketStatus) String() string {
	switch s {
	case VBucketActive:
		return "active"
	case VBucketReplica:
		return "replica"
	case VBucketPending:
		return "pending"
	case VBucketDead:
		return "dead"
	default:
		return "unknown"
	}
}

// FailoverEntry is one (uuid, seqno) pair of the vbucket's failover log.
type FailoverEntry struct {
	UUID  uint64
	Seqno uint64
}

// VBucketState is the record persisted alongside a flush batch (spec.md §6
// "Persisted state").
type VBucketState struct {
	State              VBucketStatus
	Topology           common.Topology
	HighSeqno          uint64
	HighPreparedSeqno  uint64
	HighCompletedSeqno uint64
	MaxCas             common.CAS
	FailoverTable      []FailoverEntry
	PurgeSeqno         uint64
	MaxVisibleSeqno    uint64
	CheckpointID       uint64
	MightContainXattrs bool
	HlcEpochSeqno      uint64
}

// Record is a KVStore value: the bytes for one DiskKey plus the metadata the
// flusher needs to replay disk item counting (spec.md §9 note 4 — counters
// stay in VBucket; this is only what the store must remember to answer Get)
// and the metadata Compact needs to tell a live item from a tombstone or an
// expired item without guessing from the value bytes.
type Record struct {
	Value   []byte
	Deleted bool

	// Expiry is the item's expiry time, zero if it never expires. Ignored
	// when Deleted is true: a tombstone's BySeqno, not its Expiry, gates
	// purge (see CompactConfig.PurgeBefore).
	Expiry time.Time

	// BySeqno is the seqno the item (or the tombstone that replaced it) was
	// written at, used to gate tombstone purge against PurgeBefore.
	BySeqno uint64
}

// WriteOp is one put/delete against the Items table inside a batch. Delete
// physically removes the key (used for prepared-space cleanup, where no
// later compaction ever needs to see it again); Deleted writes a tombstone
// that keeps BySeqno around for Compact's PurgeBefore gating (used for
// committed-space deletions, spec.md §9 open question 1 Scenario D).
type WriteOp struct {
	Key     DiskKey
	Value   []byte
	Delete  bool
	Deleted bool
	Expiry  time.Time
	BySeqno uint64
}

// Batch is everything the Flusher hands to Commit in one logical
// transaction (spec.md §4.4 "Commit protocol").
type Batch struct {
	VBucketID uint16
	Ops       []WriteOp
	State     VBucketState
}

// ScanRange selects a contiguous DiskKey range within one vBucket's key
// space: FromKey is inclusive and ToKey exclusive; a nil bound leaves that
// end open. The store's iteration order is by DiskKey within the
// requested keyspace, not by seqno — seqno filtering is the caller's job
// via the QueuedItem payload, matching the narrow put/get/scan contract of
// spec.md §6.
type ScanRange struct {
	VBucketID uint16
	Space     KeySpace
	FromKey   []byte
	ToKey     []byte // exclusive upper bound, nil = unbounded
}

// Iterator walks a Scan result. Callers must call Close when done.
type Iterator interface {
	Next() bool
	Key() DiskKey
	Value() []byte
	Err() error
	Close()
}

// CompactConfig configures one compaction pass.
type CompactConfig struct {
	// PurgeBefore drops tombstones with bySeqno below this watermark.
	PurgeBefore uint64

	// Now is the reference time expiry is compared against. Zero means the
	// store substitutes time.Now() itself; callers set it to get a
	// deterministic compaction pass in tests.
	Now time.Time
}

// CompactCallbacks lets the caller intercept what compaction finds, mirroring
// the "callbacks for expiry and dropped-key handling" of spec.md §6. Expiry
// must only be invoked for committed-space, non-SyncWrite items — see the
// ExpiryOrDeletionTime note on QueuedItem.
type CompactCallbacks struct {
	OnExpired func(vbid uint16, key DiskKey, item []byte)
	OnDropped func(vbid uint16, key DiskKey)
}

// RollbackResult reports the outcome of rolling a vbucket back to a prior
// seqno (the supplemented feature of SPEC_FULL.md §3, implied by the
// external rollback contract of spec.md §6).
type RollbackResult struct {
	// Seqno is the seqno the store actually rolled back to; it may be lower
	// than requested if no exact snapshot existed at the target.
	Seqno uint64
}

// Store is the narrow durable-storage contract VBucket/Flusher/Compactor
// depend on (component C1, spec.md §6). Two implementations back buckets:
// mdbxstore (Persistent) and the in-memory fixturestore (Ephemeral, and unit
// tests), per the "no-op storage fixture" re-architecture note of spec.md
// §9; kvmock.MockStore is a generated mock for tests.
type Store interface {
	Put(ctx context.Context, vbid uint16, key DiskKey, value []byte) error
	Get(ctx context.Context, vbid uint16, key DiskKey) (Record, bool, error)
	Delete(ctx context.Context, vbid uint16, key DiskKey) error

	// Commit atomically applies a batch plus the vbucket_state record that
	// describes it, per spec.md §4.4 step 2.
	Commit(ctx context.Context, batch Batch) error

	Scan(ctx context.Context, r ScanRange) (Iterator, error)

	Compact(ctx context.Context, vbid uint16, cfg CompactConfig, cb CompactCallbacks) error

	Rollback(ctx context.Context, vbid uint16, targetSeqno uint64) (RollbackResult, error)

	// LoadState returns the last-committed vbucket_state, or ok=false if the
	// vbucket has never been flushed.
	LoadState(ctx context.Context, vbid uint16) (VBucketState, bool, error)

	Close() error
}
