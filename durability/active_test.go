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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/epbucket/epkverrors"
	"github.com/erigontech/erigon-lib/common"
	log "github.com/erigontech/erigon-lib/log/v3"
)

func chain(active string, replicas ...string) common.Topology {
	return common.Topology{Active: active, Replicas: replicas}
}

// spec.md §8 Scenario A: Majority commits once a single replica acks, with
// no persistence requirement on the Active.
func TestActiveCommitsOnMajorityAck(t *testing.T) {
	a := NewActive("active", chain("active", "replica"), log.Root())
	cookie := NewPendingCookie()
	require.NoError(t, a.Track(2, "k", 0, common.LevelMajority, time.Time{}, cookie))

	res := a.SeqnoAck("replica", 2)
	require.Len(t, res, 1)
	require.True(t, res[0].Committed)
	require.Equal(t, uint64(2), res[0].BySeqno)

	select {
	case o := <-cookie.Wait():
		require.Equal(t, epkverrors.KindSuccess, o.Kind)
	default:
		t.Fatal("cookie was not notified")
	}
}

// PersistToMajority requires both local persistence and a majority of
// persistence-acks; the replica's ack alone, before the Active has
// persisted, must not be enough.
func TestPersistToMajorityRequiresLocalPersistence(t *testing.T) {
	a := NewActive("active", chain("active", "replica"), log.Root())
	cookie := NewPendingCookie()
	require.NoError(t, a.Track(1, "k", 0, common.LevelPersistToMajority, time.Time{}, cookie))

	res := a.SeqnoAck("replica", 1)
	require.Empty(t, res, "must not commit before the Active has persisted locally")

	res = a.PersistedUpTo(1)
	require.Len(t, res, 1)
	require.True(t, res[0].Committed)
}

// MajorityAndPersistOnMaster needs the Active's own persistence but not a
// majority of persistence-acks from the chain.
func TestMajorityAndPersistOnMasterNeedsOnlyLocalPersistence(t *testing.T) {
	a := NewActive("active", chain("active", "replica"), log.Root())
	require.NoError(t, a.Track(1, "k", 0, common.LevelMajorityAndPersistOnMaster, time.Time{}, nil))

	require.Empty(t, a.PersistedUpTo(1), "persistence alone is not majority-acked yet")

	res := a.SeqnoAck("replica", 1)
	require.Len(t, res, 1)
	require.True(t, res[0].Committed)
}

// spec.md §4.2 "no out-of-order commits": when one ack makes Prepares 1 and
// 2 committable together, they settle in bySeqno order.
func TestCommitsAreStrictlyOrdered(t *testing.T) {
	a := NewActive("active", chain("active", "replica"), log.Root())
	require.NoError(t, a.Track(1, "a", 0, common.LevelMajority, time.Time{}, nil))
	require.NoError(t, a.Track(2, "b", 0, common.LevelMajority, time.Time{}, nil))

	res := a.SeqnoAck("replica", 2)
	require.Len(t, res, 2, "once the blocking Prepare 1 is also acked, both settle in order")
	require.Equal(t, uint64(1), res[0].BySeqno)
	require.Equal(t, uint64(2), res[1].BySeqno)
}

// spec.md §3 invariant 5 / Scenario E: a chain of more than 3 nodes is
// rejected at admission with DurabilityImpossible.
func TestTrackRejectsOversizedTopology(t *testing.T) {
	a := NewActive("active", chain("active", "r1", "r2", "r3"), log.Root())
	err := a.Track(1, "k", 0, common.LevelMajority, time.Time{}, nil)
	require.Error(t, err)
	require.True(t, epkverrors.Is(err, epkverrors.KindDurabilityImpossible))
}

// spec.md §4.2 "On tick(now)": an expired Prepare aborts with
// SyncWriteAmbiguous.
func TestTickAbortsExpiredPrepare(t *testing.T) {
	a := NewActive("active", chain("active", "replica"), log.Root())
	cookie := NewPendingCookie()
	deadline := time.Now().Add(10 * time.Millisecond)
	require.NoError(t, a.Track(1, "k", 0, common.LevelMajority, deadline, cookie))

	res := a.Tick(deadline.Add(time.Millisecond))
	require.Len(t, res, 1)
	require.False(t, res[0].Committed)

	o := <-cookie.Wait()
	require.Equal(t, epkverrors.KindSyncWriteAmbiguous, o.Kind)
}

// spec.md §4.2 "Failure semantics": a Dead-state transition aborts every
// outstanding Prepare with SyncWriteAmbiguous.
func TestAbortAllNotifiesEveryOutstandingPrepare(t *testing.T) {
	a := NewActive("active", chain("active"), log.Root())
	c1, c2 := NewPendingCookie(), NewPendingCookie()
	require.NoError(t, a.Track(1, "a", 0, common.LevelMajority, time.Time{}, c1))
	require.NoError(t, a.Track(2, "b", 0, common.LevelMajority, time.Time{}, c2))

	res := a.AbortAll()
	require.Len(t, res, 2)
	require.Empty(t, a.Outstanding())

	for _, c := range []*PendingCookie{c1, c2} {
		o := <-c.Wait()
		require.Equal(t, epkverrors.KindSyncWriteAmbiguous, o.Kind)
	}
}

// A lone Active node (chain size 1) is its own majority; Majority-level
// Prepares commit without waiting for any replica ack.
func TestSingleNodeChainCommitsWithoutReplicaAck(t *testing.T) {
	a := NewActive("active", chain("active"), log.Root())
	require.NoError(t, a.Track(1, "k", 0, common.LevelMajority, time.Time{}, nil))
	res := a.SeqnoAck("active", 1)
	require.Len(t, res, 1)
	require.True(t, res[0].Committed)
}
