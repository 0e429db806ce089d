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

package bucket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/epbucket/epkverrors"
	"github.com/erigontech/epbucket/vbucket"
	"github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/kv"
	log "github.com/erigontech/erigon-lib/log/v3"
)

func majorityTopology() common.Topology {
	return common.Topology{Active: "active", Replicas: []string{"replica"}}
}

// End-to-end walk of spec.md §8 Scenario A across the full Ephemeral
// Bucket stack: VBucket -> CheckpointManager -> Flusher -> fixturestore.
func TestEphemeralBucketScenarioAEndToEnd(t *testing.T) {
	b := NewEphemeral(DefaultEphemeralConfig(), log.Root())
	defer b.Close()

	vb := b.CreateVBucket(1, "active", majorityTopology())

	_, err := vb.Set(vbucket.Request{Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)

	cookie, err := vb.Set(vbucket.Request{
		Key:        []byte("k"),
		Value:      []byte("v2"),
		Durability: &checkpoint.Durability{Level: common.LevelMajority},
	})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))

	require.NoError(t, vb.SeqnoAcknowledged("replica", 2))
	o := <-cookie.Wait()
	require.Equal(t, epkverrors.KindSuccess, o.Kind)

	n, err := b.FlushOnce(context.Background())
	require.NoError(t, err)
	require.Greater(t, n, 0)

	stats := b.Stats()
	require.Equal(t, int64(1), stats.Flusher.BatchesFlushed)
}

// spec.md §4.1 setState / §8 Scenario F: a vBucket demoted to Replica and
// later promoted back to Active with the outstanding Prepare already
// locally persisted commits it immediately, regardless of level.
func TestSetStateTakeoverCommitsPersistedPrepareImmediately(t *testing.T) {
	b := NewEphemeral(DefaultEphemeralConfig(), log.Root())
	defer b.Close()

	vb := b.CreateVBucket(1, "active", majorityTopology())

	cookie, err := vb.Set(vbucket.Request{
		Key:        []byte("k"),
		Value:      []byte("v"),
		Durability: &checkpoint.Durability{Level: common.LevelMajority},
	})
	require.True(t, epkverrors.Is(err, epkverrors.KindWouldBlock))

	// Locally persisted, but the replica hasn't acked yet -> still
	// outstanding when the role switch happens.
	vb.NotifyPersistedSeqno(1)

	require.NoError(t, b.SetVBucketState(1, kv.VBucketReplica, nil))

	single := common.Topology{Active: "active"}
	require.NoError(t, b.SetVBucketState(1, kv.VBucketActive, &single))

	select {
	case o := <-cookie.Wait():
		require.Equal(t, epkverrors.KindSuccess, o.Kind)
	default:
		t.Fatal("a Prepare already locally persisted before takeover must commit immediately")
	}
}

// spec.md §6 CheckpointRemover: ReclaimSweep is a no-op under budget and
// does not error when no vBuckets are registered.
func TestReclaimSweepNoopWhenEmpty(t *testing.T) {
	b := NewEphemeral(DefaultEphemeralConfig(), log.Root())
	defer b.Close()

	freed := b.ReclaimSweep(context.Background())
	require.Equal(t, int64(0), freed)
}
