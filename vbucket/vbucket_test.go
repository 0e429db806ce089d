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

package vbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/epbucket/epkverrors"
	"github.com/erigontech/erigon-lib/common"
	log "github.com/erigontech/erigon-lib/log/v3"
)

func newTestVBucket(t *testing.T, topology common.Topology) *VBucket {
	t.Helper()
	d := checkpoint.NewDestroyer(log.Root())
	mgr := checkpoint.NewManager(1, checkpoint.DefaultConfig(), d, log.Root())
	return New(1, "active", topology, DefaultConfig(), mgr, log.Root())
}

func majorityChain() common.Topology {
	return common.Topology{Active: "active", Replicas: []string{"replica"}}
}

// spec.md §8 Scenario A: Prepare, persist, commit.
func TestScenarioA_PrepareSeqnoAckCommits(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())

	_, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), vb.HighSeqno())

	cookie, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v2"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))
	require.NotNil(t, cookie)
	require.Equal(t, uint64(2), vb.HighSeqno())

	require.NoError(t, vb.SeqnoAcknowledged("replica", 2))

	select {
	case o := <-cookie.Wait():
		require.Equal(t, epkverrors.KindSuccess, o.Kind)
	default:
		t.Fatal("cookie must be notified once the Prepare commits")
	}
	require.Equal(t, uint64(3), vb.HighSeqno(), "the Commit item mints its own seqno")

	sv, ok := vb.committed.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), sv.Value)
	_, stillPrepared := vb.prepared.Get(0, []byte("k"))
	require.False(t, stillPrepared)
}

// spec.md §8 Scenario B: Prepare, abort, re-prepare.
func TestScenarioB_AbortThenRePrepare(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())

	cookie, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))

	require.NoError(t, vb.Abort(0, []byte("k"), 1, 0))
	o := <-cookie.Wait()
	require.Equal(t, epkverrors.KindSyncWriteAmbiguous, o.Kind)

	cookie2, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v2"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))
	require.NotNil(t, cookie2)

	require.Equal(t, int64(0), vb.CollectionCount(0), "no Commit has ever landed for this key")
	_, hasCommitted := vb.committed.Get(0, []byte("k"))
	require.False(t, hasCommitted)
}

// spec.md §3 invariant 3: while a Prepare is outstanding, a second mutation
// to the same key is rejected synchronously.
func TestSyncWriteInProgressBlocksConcurrentMutation(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())
	_, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))

	_, err = vb.Set(Request{Key: []byte("k"), Value: []byte("v2")})
	require.True(t, epkverrors.Is(err, epkverrors.KindSyncWriteInProgress))
}

// spec.md §8 Scenario E: a topology chain of 4+ nodes is rejected at
// admission with DurabilityImpossible, synchronously.
func TestScenarioE_OversizedTopologyRejectsDurableWrite(t *testing.T) {
	topo := common.Topology{Active: "active", Replicas: []string{"r1", "r2", "r3"}}
	vb := newTestVBucket(t, topo)

	_, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindDurabilityImpossible))
}

// spec.md §4.1: ephemeral buckets cannot accept PersistToMajority or
// MajorityAndPersistOnMaster.
func TestEphemeralBucketRejectsPersistenceLevels(t *testing.T) {
	d := checkpoint.NewDestroyer(log.Root())
	mgr := checkpoint.NewManager(1, checkpoint.DefaultConfig(), d, log.Root())
	cfg := DefaultConfig()
	cfg.EphemeralBucket = true
	vb := New(1, "active", majorityChain(), cfg, mgr, log.Root())

	_, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v"), Durability: &checkpoint.Durability{Level: common.LevelPersistToMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindDurabilityInvalidLevel))
}

// spec.md §3 invariant 8: numItems increases on Commit(insert) and
// decreases on Commit(delete); Prepares never move it.
func TestNumItemsExcludesPrepares(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())

	_, err := vb.Add(Request{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.Equal(t, int64(1), vb.CollectionCount(0))

	_, err = vb.Set(Request{Key: []byte("k2"), Value: []byte("v"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))
	require.Equal(t, int64(1), vb.CollectionCount(0), "an outstanding Prepare must not affect numItems")

	_, err = vb.Delete(Request{Key: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, int64(0), vb.CollectionCount(0))
}

// Classic CAS-checked add/replace/delete error taxonomy (spec.md §4.1).
func TestClassicMutationErrors(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())

	_, err := vb.Add(Request{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)

	_, err = vb.Add(Request{Key: []byte("k"), Value: []byte("v2")})
	require.True(t, epkverrors.Is(err, epkverrors.KindKeyExists))

	_, err = vb.Replace(Request{Key: []byte("missing"), Value: []byte("v")})
	require.True(t, epkverrors.Is(err, epkverrors.KindKeyNotFound))

	_, err = vb.Replace(Request{Key: []byte("k"), Value: []byte("v3"), Cas: 999999})
	require.True(t, epkverrors.Is(err, epkverrors.KindCasMismatch))
}

// spec.md §9 Scenario D: a SyncDelete Prepare stores a deletion timestamp in
// the field that otherwise holds expiry, and the committed value survives
// until Commit lands.
func TestSyncDeletePrepareDoesNotTouchCommittedValue(t *testing.T) {
	vb := newTestVBucket(t, majorityChain())
	_, err := vb.Set(Request{Key: []byte("k"), Value: []byte("v"), Expiry: time.Now().Add(5 * time.Second)})
	require.NoError(t, err)

	_, err = vb.Delete(Request{Key: []byte("k"), Durability: &checkpoint.Durability{Level: common.LevelMajority}})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))

	sv, ok := vb.committed.Get(0, []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), sv.Value, "the committed value must still be visible while the SyncDelete is outstanding")

	items := vb.mgr.OpenItems()
	var prepare *checkpoint.Item
	for _, it := range items {
		if it.Op == checkpoint.OpPendingSyncWrite {
			prepare = it
		}
	}
	require.NotNil(t, prepare)
	require.True(t, prepare.IsSyncDelete())
	require.False(t, prepare.ExpiryOrDeletionTime.IsZero())
}
