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

package flusher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/erigon-lib/kv"
	"github.com/erigontech/erigon-lib/kv/fixturestore"
	"github.com/erigontech/erigon-lib/kv/kvmock"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// fakeVBucket is the minimal VBucketSource a unit test needs: no hash
// table, no DurabilityMonitor, just enough bookkeeping to assert what the
// Flusher did.
type fakeVBucket struct {
	id            uint16
	mgr           *checkpoint.Manager
	state         kv.VBucketState
	notified      uint64
	diskCounts    map[uint32]int64
}

func newFakeVBucket(id uint16, mgr *checkpoint.Manager) *fakeVBucket {
	return &fakeVBucket{id: id, mgr: mgr, diskCounts: map[uint32]int64{}}
}

func (f *fakeVBucket) VBucketID() uint16                 { return f.id }
func (f *fakeVBucket) Manager() *checkpoint.Manager       { return f.mgr }
func (f *fakeVBucket) StateSnapshot() kv.VBucketState     { return f.state }
func (f *fakeVBucket) NotifyPersistedSeqno(seqno uint64)  { f.notified = seqno }
func (f *fakeVBucket) AdjustDiskCount(collection uint32, delta int64) {
	f.diskCounts[collection] += delta
}

func newTestManager() *checkpoint.Manager {
	d := checkpoint.NewDestroyer(log.Root())
	return checkpoint.NewManager(1, checkpoint.DefaultConfig(), d, log.Root())
}

// spec.md §8 Scenario A step 4 / §4.4: a flushed Commit writes the
// committed-space value and tombstones the prepared-space entry.
func TestFlushOnceWritesCommittedValueAndTombstonesPrepared(t *testing.T) {
	mgr := newTestManager()
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 1, Op: checkpoint.OpMutation, Value: []byte("v1")})
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 2, Op: checkpoint.OpPendingSyncWrite, State: checkpoint.Pending, Value: []byte("v2")})
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 3, Op: checkpoint.OpCommitSyncWrite, PrepareSeqno: 2, State: checkpoint.PrepareCommitted, Value: []byte("v2")})

	store := fixturestore.New()
	vb := newFakeVBucket(1, mgr)
	f := New(DefaultConfig(), store, log.Root())

	n, err := f.FlushOnce(context.Background(), vb)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3), vb.notified)

	committedKey := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("k")}
	rec, ok, err := store.Get(context.Background(), 1, committedKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Value)

	// Scenario A's prepared-space entry was written by the Prepare's own
	// QueuedItem, then removed by the Commit within the same batch's dedup.
	preparedKey := kv.DiskKey{VBucketID: 1, Space: kv.KeySpacePrepared, Key: []byte("k")}
	_, ok, err = store.Get(context.Background(), 1, preparedKey)
	require.NoError(t, err)
	require.False(t, ok)
}

// spec.md §4.4 "Persist-time deduplication": two mutations for the same key
// collapse to the latest before they are written: one item is flushed.
func TestFlushOnceDedupsWithinBatch(t *testing.T) {
	mgr := newTestManager()
	mgr.Enqueue(&checkpoint.Item{Key: []byte("a"), BySeqno: 1, Op: checkpoint.OpMutation, Value: []byte("v1")})
	mgr.Enqueue(&checkpoint.Item{Key: []byte("a"), BySeqno: 2, Op: checkpoint.OpMutation, Value: []byte("v2")})

	store := fixturestore.New()
	vb := newFakeVBucket(1, mgr)
	f := New(DefaultConfig(), store, log.Root())

	n, err := f.FlushOnce(context.Background(), vb)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats := f.Stats()
	require.Equal(t, int64(1), stats.BatchesFlushed)
	require.Equal(t, int64(1), stats.ItemsFlushed)
}

// spec.md §4.4 step 3: Commit-of-insert -> +1, Commit-of-delete -> -1;
// Prepares never move the disk item counter.
func TestFlushOnceAdjustsDiskCountsOnCommitOnly(t *testing.T) {
	mgr := newTestManager()
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 1, Op: checkpoint.OpPendingSyncWrite, State: checkpoint.Pending})
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 2, Op: checkpoint.OpCommitSyncWrite, PrepareSeqno: 1, State: checkpoint.PrepareCommitted})

	store := fixturestore.New()
	vb := newFakeVBucket(1, mgr)
	f := New(DefaultConfig(), store, log.Root())

	_, err := f.FlushOnce(context.Background(), vb)
	require.NoError(t, err)
	require.Equal(t, int64(1), vb.diskCounts[0], "Commit-of-insert adds one disk item")
}

// spec.md §4.4 "On failure: do not advance the cursor": FlushOnce with no
// queued items is a no-op, not an error.
func TestFlushOnceNoItemsIsNoop(t *testing.T) {
	mgr := newTestManager()
	store := fixturestore.New()
	vb := newFakeVBucket(1, mgr)
	f := New(DefaultConfig(), store, log.Root())

	n, err := f.FlushOnce(context.Background(), vb)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// spec.md §4.4 "On failure: retry with backoff; do not advance the cursor
// until Commit succeeds": a transient Commit failure is retried and the
// batch eventually lands once the store recovers.
func TestFlushOnceRetriesTransientCommitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := kvmock.NewMockStore(ctrl)

	gomock.InOrder(
		store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(errors.New("disk full")),
		store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(nil),
	)

	mgr := newTestManager()
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 1, Op: checkpoint.OpMutation, Value: []byte("v")})
	vb := newFakeVBucket(1, mgr)

	cfg := DefaultConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 10 * time.Millisecond
	f := New(cfg, store, log.Root())

	n, err := f.FlushOnce(context.Background(), vb)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(1), f.Stats().BatchesFlushed)
}

// A Commit that never succeeds within the retry budget leaves the cursor
// unadvanced and reports the failure, per spec.md §4.4's "do not advance the
// cursor" rule.
func TestFlushOnceGivesUpAfterPersistentCommitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := kvmock.NewMockStore(ctrl)
	store.EXPECT().Commit(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).AnyTimes()

	mgr := newTestManager()
	mgr.Enqueue(&checkpoint.Item{Key: []byte("k"), BySeqno: 1, Op: checkpoint.OpMutation, Value: []byte("v")})
	vb := newFakeVBucket(1, mgr)

	cfg := DefaultConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	f := New(cfg, store, log.Root())

	n, err := f.FlushOnce(context.Background(), vb)
	require.Error(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, uint64(0), vb.notified)
	require.Equal(t, int64(1), f.Stats().FlushFailures)
}
