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
	"testing"

	"github.com/stretchr/testify/require"

	log "github.com/erigontech/erigon-lib/log/v3"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	d := NewDestroyer(log.Root())
	return NewManager(1, Config{MaxItemsPerCheckpoint: 500, Eager: true}, d, log.Root())
}

// A forced checkpoint transition must close the superseded checkpoint, or the
// persistence cursor stalls forever once it drains that checkpoint's items:
// PeekBatch only crosses into the next checkpoint when the current one is
// Closed.
func TestEnqueueClosesSupersededCheckpointOnTransition(t *testing.T) {
	m := newTestManager(t)

	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 1, Op: OpMutation})
	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 2, Op: OpPendingSyncWrite, State: Pending})

	firstID := m.order[0]
	require.Equal(t, StateClosed, m.arena[firstID].State, "mutation checkpoint must close once a Prepare for the same key forces a transition")

	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 3, Op: OpCommitSyncWrite, PrepareSeqno: 2, State: PrepareCommitted})

	batch := m.PeekBatch(PersistenceCursorName, 10)
	require.Len(t, batch, 3, "cursor must walk across every forced transition without stalling")
	m.Advance(PersistenceCursorName, len(batch))

	_, ok := m.Next(PersistenceCursorName)
	require.False(t, ok, "cursor should have drained every enqueued item")
}

// Within one Checkpoint, committed-space mutations for the same key
// deduplicate; Prepare/Commit/Abort never dedup against anything.
func TestAppendDedupRules(t *testing.T) {
	m := newTestManager(t)

	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 1, Op: OpMutation, Value: []byte("v1")})
	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 2, Op: OpMutation, Value: []byte("v2")})

	items := m.OpenItems()
	require.Len(t, items, 1, "second mutation for the same key must replace the first in place")
	require.Equal(t, []byte("v2"), items[0].Value)
}

func TestSyncWriteItemsNeverDedupAcrossEachOther(t *testing.T) {
	m := newTestManager(t)

	// One Prepare/Abort cycle for the same key: the Prepare is not merged
	// with anything, and the Abort lands in a Checkpoint of its own.
	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 1, Op: OpPendingSyncWrite, State: Pending})
	m.Enqueue(&Item{Key: []byte("k"), BySeqno: 2, Op: OpAbortSyncWrite, PrepareSeqno: 1, State: PrepareAborted})

	cp := m.arena[m.order[0]]
	require.Equal(t, 1, cp.Len(), "Abort forces a new checkpoint, so the Prepare alone occupies the first one")

	items := m.OpenItems()
	require.Len(t, items, 1)
	require.Equal(t, OpAbortSyncWrite, items[0].Op)
}

func TestMaxItemsPerCheckpointForcesRotation(t *testing.T) {
	m := newTestManager(t)
	m.cfg.MaxItemsPerCheckpoint = 2

	for i := uint64(1); i <= 5; i++ {
		m.Enqueue(&Item{Key: []byte{byte(i)}, BySeqno: i, Op: OpMutation})
	}

	require.Greater(t, len(m.order), 1, "hitting MaxItemsPerCheckpoint must open a new checkpoint")
	for _, id := range m.order[:len(m.order)-1] {
		require.Equal(t, StateClosed, m.arena[id].State)
	}
}

// Invariant: bySeqno values a cursor observes strictly increase.
func TestCursorObservesStrictlyIncreasingSeqnos(t *testing.T) {
	m := newTestManager(t)
	m.Enqueue(&Item{Key: []byte("a"), BySeqno: 1, Op: OpMutation})
	m.Enqueue(&Item{Key: []byte("b"), BySeqno: 2, Op: OpPendingSyncWrite, State: Pending})
	m.Enqueue(&Item{Key: []byte("b"), BySeqno: 3, Op: OpCommitSyncWrite, PrepareSeqno: 2, State: PrepareCommitted})
	m.Enqueue(&Item{Key: []byte("c"), BySeqno: 4, Op: OpMutation})

	var last uint64
	for {
		item, ok := m.Next(PersistenceCursorName)
		if !ok {
			break
		}
		require.Greater(t, item.BySeqno, last)
		last = item.BySeqno
	}
	require.Equal(t, uint64(4), last)
}

// A dropped (non-persistence) cursor must not block reclamation of a
// checkpoint none of the remaining cursors still reference.
func TestDropCursorAllowsReclamation(t *testing.T) {
	m := newTestManager(t)
	m.RegisterCursor("replication-1", CursorStream)

	m.Enqueue(&Item{Key: []byte("a"), BySeqno: 1, Op: OpMutation})
	m.Enqueue(&Item{Key: []byte("b"), BySeqno: 2, Op: OpPendingSyncWrite, State: Pending})
	m.Enqueue(&Item{Key: []byte("b"), BySeqno: 3, Op: OpCommitSyncWrite, PrepareSeqno: 2, State: PrepareCommitted})

	firstID := m.order[0]
	for {
		if _, ok := m.Next(PersistenceCursorName); !ok {
			break
		}
	}
	require.Contains(t, m.arena, firstID, "replication-1 still references the first checkpoint")

	require.NoError(t, m.DropCursor("replication-1"))
	require.NotContains(t, m.arena, firstID, "dropping the last holding cursor must reclaim the checkpoint")
}

func TestDropCursorRejectsPersistenceCursor(t *testing.T) {
	m := newTestManager(t)
	require.Error(t, m.DropCursor(PersistenceCursorName))
}
