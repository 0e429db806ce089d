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

package checkpoint

import (
	deckset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
)

type Kind uint8

const (
	KindMemory Kind = iota
	KindDisk
	KindInitialDisk
)

type State uint8

const (
	StateOpen State = iota
	StateClosed
)

// SnapshotRange is the [start, end] bySeqno range a Checkpoint covers.
type SnapshotRange struct {
	Start, End uint64
}

// itemKey indexes an Item within a Checkpoint by (key-space, key), matching
// the "two coexisting key spaces" data model of spec.md §3.
type itemKey struct {
	space keySpaceKind
	key   string
}

func (k itemKey) encode() string {
	return string(append([]byte{byte(k.space)}, k.key...))
}

// indexEntry is the btree.Item stored in a Checkpoint's per-key index,
// ordered by the encoded (space, key) string — the same
// btree.New(degree)/btree.Item pattern the teacher uses for its own
// seqno-ordered indices (core/state/history_reader_v3.go).
type indexEntry struct {
	enc string
	pos int
}

func (e indexEntry) Less(than btree.Item) bool {
	return e.enc < than.(indexEntry).enc
}

// Checkpoint is the ordered, immutable-after-close segment of QueuedItems
// described by spec.md §3 (component C2). Items are addressed by small
// integer id within the arena the CheckpointManager owns (spec.md §9's
// "arena-per-vBucket" re-architecture), so a Checkpoint only ever holds a
// slice, never pointers into siblings.
type Checkpoint struct {
	ID    uint64
	Kind  Kind
	State State
	Range SnapshotRange

	items []*Item
	// index maps a committed-space/prepared-space key to its position in
	// items, used for in-Checkpoint dedup (spec.md §4.3 queue rules).
	index *btree.BTree

	cursors deckset.Set[string]

	// HighCompletedSeqno is set when the Checkpoint closes (spec.md §3).
	HighCompletedSeqno uint64
}

// checkpointBTreeDegree mirrors the degree the teacher uses for its own
// small, hot in-memory btree indices.
const checkpointBTreeDegree = 16

func newCheckpoint(id uint64, kind Kind, start uint64) *Checkpoint {
	return &Checkpoint{
		ID:      id,
		Kind:    kind,
		State:   StateOpen,
		Range:   SnapshotRange{Start: start, End: start},
		index:   btree.New(checkpointBTreeDegree),
		cursors: deckset.NewSet[string](),
	}
}

// Items returns the live item slice; callers must not mutate it.
func (c *Checkpoint) Items() []*Item { return c.items }

func (c *Checkpoint) Len() int { return len(c.items) }

// append adds item to the tail, deduplicating a prior committed-space entry
// for the same key within this Checkpoint (spec.md §4.3: "same key within a
// Checkpoint deduplicates committed-space mutations ... but does not
// deduplicate across Prepare/Commit/Abort").
func (c *Checkpoint) append(item *Item) {
	if len(c.items) == 0 && c.Range.Start == 0 {
		c.Range.Start = item.BySeqno
	}
	if item.BySeqno > c.Range.End {
		c.Range.End = item.BySeqno
	}
	if item.Op.IsSyncWrite() {
		c.items = append(c.items, item)
		return
	}
	enc := itemKey{space: item.KeySpace(), key: collKey(item)}.encode()
	if existing := c.index.Get(indexEntry{enc: enc}); existing != nil {
		c.items[existing.(indexEntry).pos] = item
		return
	}
	c.index.ReplaceOrInsert(indexEntry{enc: enc, pos: len(c.items)})
	c.items = append(c.items, item)
}

// hasCommittedMutation reports whether the Open Checkpoint already holds a
// plain committed-space mutation for key — used by the manager to decide
// whether enqueueing a Prepare must force a new Checkpoint (spec.md §4.3
// transition 1).
func (c *Checkpoint) hasCommittedMutation(collection CollectionID, key []byte) bool {
	enc := itemKey{space: keySpaceCommitted, key: collKeyRaw(collection, key)}.encode()
	return c.index.Get(indexEntry{enc: enc}) != nil
}

func collKey(item *Item) string {
	return collKeyRaw(item.Collection, item.Key)
}

func collKeyRaw(collection CollectionID, key []byte) string {
	buf := make([]byte, 4+len(key))
	buf[0] = byte(collection >> 24)
	buf[1] = byte(collection >> 16)
	buf[2] = byte(collection >> 8)
	buf[3] = byte(collection)
	copy(buf[4:], key)
	return string(buf)
}

// close transitions the Checkpoint to Closed, freezing its HighCompletedSeqno.
func (c *Checkpoint) close(highCompleted uint64) {
	c.State = StateClosed
	c.HighCompletedSeqno = highCompleted
}

func (c *Checkpoint) registerCursor(name string) { c.cursors.Add(name) }
func (c *Checkpoint) unregisterCursor(name string) {
	c.cursors.Remove(name)
}
func (c *Checkpoint) cursorCount() int { return c.cursors.Cardinality() }
