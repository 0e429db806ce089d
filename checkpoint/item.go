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

// Package checkpoint implements the ordered in-memory mutation log per
// vBucket (component C2/C3 of spec.md §2): QueuedItems, Checkpoints,
// Cursors and the CheckpointManager that owns them.
package checkpoint

import (
	"time"

	"github.com/golang/snappy"

	"github.com/erigontech/erigon-lib/common"
)

// Datatype flags mirror the wire datatype byte (spec.md §3).
type Datatype uint8

const (
	DatatypeRaw Datatype = 1 << iota
	DatatypeJSON
	DatatypeSnappy
	DatatypeXattr
)

// snappyThreshold is the minimum value size worth paying a decompression
// cost for on every read; smaller values are stored raw.
const snappyThreshold = 64

// CompressForStorage snappy-compresses value when it is large enough to be
// worth it, returning the bytes to store and the Datatype flags to record
// (spec.md §3's datatype byte). It never compresses an already-compressed
// or xattr-bearing value.
func CompressForStorage(value []byte, datatype Datatype) ([]byte, Datatype) {
	if len(value) < snappyThreshold || datatype&(DatatypeSnappy|DatatypeXattr) != 0 {
		return value, datatype
	}
	return snappy.Encode(nil, value), datatype | DatatypeSnappy
}

// DecompressFromStorage reverses CompressForStorage.
func DecompressFromStorage(value []byte, datatype Datatype) ([]byte, error) {
	if datatype&DatatypeSnappy == 0 {
		return value, nil
	}
	return snappy.Decode(nil, value)
}

// Op is the operation tag a QueuedItem carries (spec.md §3).
type Op uint8

const (
	OpMutation Op = iota
	OpDeletion
	OpExpiration
	OpPendingSyncWrite
	OpCommitSyncWrite
	OpAbortSyncWrite
	OpCheckpointStart
	OpCheckpointEnd
	OpSetVBucketState
)

func (o Op) String() string {
	switch o {
	case OpMutation:
		return "Mutation"
	case OpDeletion:
		return "Deletion"
	case OpExpiration:
		return "Expiration"
	case OpPendingSyncWrite:
		return "PendingSyncWrite"
	case OpCommitSyncWrite:
		return "CommitSyncWrite"
	case OpAbortSyncWrite:
		return "AbortSyncWrite"
	case OpCheckpointStart:
		return "CheckpointStart"
	case OpCheckpointEnd:
		return "CheckpointEnd"
	case OpSetVBucketState:
		return "SetVBucketState"
	default:
		return "Unknown"
	}
}

// IsSyncWrite reports whether op belongs to the Prepare/Commit/Abort trio
// that the CheckpointManager never dedups against each other (invariant 2).
func (o Op) IsSyncWrite() bool {
	return o == OpPendingSyncWrite || o == OpCommitSyncWrite || o == OpAbortSyncWrite
}

// CommittedState is the per-item durability resolution state (spec.md §3).
type CommittedState uint8

const (
	CommittedViaMutation CommittedState = iota
	CommittedViaPrepare
	Pending
	PrepareCommitted
	PrepareAborted
)

// Durability is the optional requirement a mutation may carry (spec.md §6).
type Durability struct {
	Level   common.Level
	Timeout common.Timeout
}

// CollectionID identifies the collection a key belongs to (spec.md §3
// "variable-length collection id" prefix; invariant 8).
type CollectionID uint32

// Item is one QueuedItem (spec.md §3's "QueuedItem" entity). It is the unit
// a Checkpoint stores and a Cursor walks.
type Item struct {
	Key          []byte
	Collection   CollectionID
	Value        []byte
	Datatype     Datatype
	Flags        uint32
	Expiry       time.Time
	CAS          common.CAS
	BySeqno      uint64
	RevSeqno     uint64
	Op           Op
	State        CommittedState
	Durability   *Durability
	Deleted      bool

	// ExpiryOrDeletionTime resolves the ambiguity of spec.md §9 note 1: on a
	// SyncDelete Prepare (Op == OpPendingSyncWrite, Deleted == true) this
	// field holds a deletion timestamp, not an expiry. Callers (compaction)
	// must branch on State/Op, never on whether this field is set.
	ExpiryOrDeletionTime time.Time

	// PrepareSeqno links a Commit/Abort item back to the Prepare it
	// resolves; zero for Mutation/Deletion/Expiration items.
	PrepareSeqno uint64
}

// IsSyncDelete reports whether this item is a deleting Prepare (spec.md §9
// note 1 / Scenario D).
func (i *Item) IsSyncDelete() bool {
	return i.Op == OpPendingSyncWrite && i.Deleted
}

// KeySpace reports which of the two coexisting key spaces (spec.md §3) this
// item belongs to on disk.
func (i *Item) KeySpace() keySpaceKind {
	if i.Op == OpPendingSyncWrite {
		return keySpacePrepared
	}
	return keySpaceCommitted
}

// IsPreparedSpace reports whether this item belongs to the prepared key
// space, for callers outside this package (the Flusher's disk-key mapping)
// that cannot name the unexported keySpaceKind values directly.
func (i *Item) IsPreparedSpace() bool {
	return i.KeySpace() == keySpacePrepared
}

type keySpaceKind uint8

const (
	keySpaceCommitted keySpaceKind = iota
	keySpacePrepared
)
