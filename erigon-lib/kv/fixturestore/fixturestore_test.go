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

package fixturestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/erigon-lib/kv"
)

// spec.md §9 open question 1, Scenario D: compaction must distinguish a
// live item from an expired one by its recorded Expiry, never by fire
// unconditionally, and must never touch prepared-space entries.
func TestCompactDoesNotFireOnExpiredForLiveOrDeletedItems(t *testing.T) {
	store := New()
	ctx := context.Background()

	live := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("live")}
	expired := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("expired")}
	preparedLive := kv.DiskKey{VBucketID: 1, Space: kv.KeySpacePrepared, Key: []byte("prep")}
	deleted := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("deleted")}

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Commit(ctx, kv.Batch{VBucketID: 1, Ops: []kv.WriteOp{
		{Key: live, Value: []byte("v1"), Expiry: now.Add(time.Hour)},
		{Key: expired, Value: []byte("v2"), Expiry: now.Add(-time.Hour)},
		{Key: preparedLive, Value: []byte("v3"), Expiry: now.Add(-time.Hour)},
		{Key: deleted, Deleted: true, Expiry: now.Add(-time.Hour), BySeqno: 1},
	}}))

	var expiredCalls []string
	err := store.Compact(ctx, 1, kv.CompactConfig{Now: now}, kv.CompactCallbacks{
		OnExpired: func(vbid uint16, key kv.DiskKey, item []byte) {
			expiredCalls = append(expiredCalls, string(key.Key))
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"expired"}, expiredCalls, "OnExpired must fire only for the committed-space item past its expiry")
}

// spec.md §6 "PurgeBefore": a tombstone is only dropped once its BySeqno
// falls below the watermark; tombstones at or above it survive.
func TestCompactPurgesTombstonesBelowWatermark(t *testing.T) {
	store := New()
	ctx := context.Background()

	old := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("old")}
	recent := kv.DiskKey{VBucketID: 1, Space: kv.KeySpaceCommitted, Key: []byte("recent")}

	require.NoError(t, store.Commit(ctx, kv.Batch{VBucketID: 1, Ops: []kv.WriteOp{
		{Key: old, Deleted: true, BySeqno: 5},
		{Key: recent, Deleted: true, BySeqno: 50},
	}}))

	var dropped []string
	err := store.Compact(ctx, 1, kv.CompactConfig{PurgeBefore: 10}, kv.CompactCallbacks{
		OnDropped: func(vbid uint16, key kv.DiskKey) {
			dropped = append(dropped, string(key.Key))
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, dropped)

	_, ok, err := store.Get(ctx, 1, old)
	require.NoError(t, err)
	require.False(t, ok, "purged tombstone must be gone")

	_, ok, err = store.Get(ctx, 1, recent)
	require.NoError(t, err)
	require.True(t, ok, "tombstone above the watermark survives")
}
