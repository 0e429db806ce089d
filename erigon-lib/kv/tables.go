// Copyright 2021 The Erigon Authors
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
	"encoding/binary"
	"fmt"
)

// DBSchemaVersion versions the on-disk layout.
// 1.0 - initial layout: Items/VBucketState/Sequence tables, keyspace-prefixed disk keys.
var DBSchemaVersion = VersionReply{Major: 1, Minor: 0, Patch: 0}

type VersionReply struct {
	Major, Minor, Patch uint32
}

const (
	// Items holds every queued mutation keyed by its disk key (spec.md §6):
	// mdbxstore stores a JSON envelope of the record (value, deleted flag,
	// expiry, bySeqno).
	Items = "Items"

	// VBucketState stores one record per vbucket: high/prepared/completed
	// seqnos, failover table (UUID, seqno entries), state
	// (active/replica/pending/dead), topology and the checkpoint id
	// (spec.md §5, §9 item 3).
	VBucketState = "VBucketState"

	// Sequence hands out the monotonic bySeqno counter per vbucket:
	// key - vbid_u16, value - last_allocated_seqno_u64.
	Sequence = "Sequence"
)

// Tables lists every bucket the store must open; mdbxstore sizes its DBI
// limit from the length of this list (mirrors the teacher's
// ChaindataTables contract).
var Tables = []string{
	Items,
	VBucketState,
	Sequence,
}

// KeySpace partitions Items so a Prepare and its eventual Commit/Abort never
// collide under the same disk key (spec.md §6 "disk_key"): a pending
// SyncWrite and the committed value it will replace live side by side until
// the flusher's persist-time dedup removes the stale one.
type KeySpace byte

const (
	// KeySpaceCommitted holds ordinary mutations and the post-commit value
	// of a resolved SyncWrite.
	KeySpaceCommitted KeySpace = 0x00
	// KeySpacePrepared holds a SyncWrite's Prepare marker until it commits
	// or aborts.
	KeySpacePrepared KeySpace = 0x01
)

func (k KeySpace) String() string {
	switch k {
	case KeySpaceCommitted:
		return "committed"
	case KeySpacePrepared:
		return "prepared"
	default:
		return fmt.Sprintf("KeySpace(%#x)", byte(k))
	}
}

// DiskKey is the on-disk addressing of an item within one vbucket's Items
// table: vbid fixes the table partition the caller scans, KeySpace
// disambiguates Prepared vs Committed copies of the same logical Key
// (spec.md §6).
type DiskKey struct {
	VBucketID uint16
	Space     KeySpace
	Key       []byte
}

// Encode packs the key as vbid_u16_be + space_byte + raw_key, which keeps
// all of one vbucket's entries contiguous and, within it, each keyspace
// contiguous (all committed keys sort before all prepared keys).
func (dk DiskKey) Encode() []byte {
	out := make([]byte, 2+1+len(dk.Key))
	binary.BigEndian.PutUint16(out[0:2], dk.VBucketID)
	out[2] = byte(dk.Space)
	copy(out[3:], dk.Key)
	return out
}

// DecodeDiskKey reverses Encode. It errors on anything shorter than the
// fixed 3-byte prefix.
func DecodeDiskKey(b []byte) (DiskKey, error) {
	if len(b) < 3 {
		return DiskKey{}, fmt.Errorf("kv: disk key too short: %d bytes", len(b))
	}
	return DiskKey{
		VBucketID: binary.BigEndian.Uint16(b[0:2]),
		Space:     KeySpace(b[2]),
		Key:       append([]byte(nil), b[3:]...),
	}, nil
}

// SequenceKey is the key used against the Sequence table for a vbucket's
// bySeqno counter.
func SequenceKey(vbid uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, vbid)
	return out
}

// VBucketStateKey is the key used against the VBucketState table.
func VBucketStateKey(vbid uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, vbid)
	return out
}
