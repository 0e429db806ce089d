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

package durability

import (
	"github.com/google/btree"

	"github.com/erigontech/erigon-lib/common"
)

// trackerEntry is one in-flight Prepare, ordered by BySeqno so the tracker
// can answer "everything up to and including seqno N" without a scan
// (spec.md §4.2's per-node ack bookkeeping).
type trackerEntry struct {
	bySeqno    uint64
	key        string
	collection uint32
	level      common.Level
	cookie     *PendingCookie

	// acked holds, per replication node, the highest seqno that node has
	// reported receiving; the active node's own entry is filled in
	// by Active.Track when the Prepare is tracked.
	acked map[string]uint64

	persistedLocally bool
}

func (e *trackerEntry) Less(than btree.Item) bool {
	return e.bySeqno < than.(*trackerEntry).bySeqno
}

// tracker is the ordered set of Prepares awaiting resolution for one
// vBucket, indexed by bySeqno with google/btree's legacy API — the same
// ordered-index idiom checkpoint.Checkpoint uses for its per-key index,
// here reused for a different key (seqno order rather than insertion
// dedup order).
type tracker struct {
	t *btree.BTree
}

const trackerBTreeDegree = 16

func newTracker() *tracker {
	return &tracker{t: btree.New(trackerBTreeDegree)}
}

func (t *tracker) insert(e *trackerEntry) {
	t.t.ReplaceOrInsert(e)
}

func (t *tracker) get(bySeqno uint64) *trackerEntry {
	item := t.t.Get(&trackerEntry{bySeqno: bySeqno})
	if item == nil {
		return nil
	}
	return item.(*trackerEntry)
}

func (t *tracker) remove(bySeqno uint64) {
	t.t.Delete(&trackerEntry{bySeqno: bySeqno})
}

func (t *tracker) len() int { return t.t.Len() }

// ascend calls f for every tracked Prepare in increasing bySeqno order,
// stopping early if f returns false.
func (t *tracker) ascend(f func(*trackerEntry) bool) {
	t.t.Ascend(func(item btree.Item) bool {
		return f(item.(*trackerEntry))
	})
}

// oldest returns the lowest-bySeqno tracked Prepare, or nil if empty.
func (t *tracker) oldest() *trackerEntry {
	item := t.t.Min()
	if item == nil {
		return nil
	}
	return item.(*trackerEntry)
}
