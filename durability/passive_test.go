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

	"github.com/stretchr/testify/require"

	"github.com/erigontech/erigon-lib/common"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// spec.md §4.2 "On snapshot-end received": HPS only ever advances.
func TestPassiveSnapshotEndAdvancesHPSMonotonically(t *testing.T) {
	p := NewPassive(log.Root())
	p.SnapshotEnd(5)
	p.SnapshotEnd(3)
	require.Equal(t, uint64(5), p.HighPreparedSeqno())
	p.SnapshotEnd(8)
	require.Equal(t, uint64(8), p.HighPreparedSeqno())
}

// spec.md §4.2 "On Commit/Abort from Active": resolving an unknown seqno
// (already resolved, or never tracked) must not panic or fabricate output.
func TestPassiveResolveUnknownSeqnoIsNoop(t *testing.T) {
	p := NewPassive(log.Root())
	_, ok := p.Resolve(99, true)
	require.False(t, ok)
}

func TestPassiveResolveRemovesTrackedPrepare(t *testing.T) {
	p := NewPassive(log.Root())
	p.Track(1, "k", 0, common.LevelMajority)

	res, ok := p.Resolve(1, true)
	require.True(t, ok)
	require.True(t, res.Committed)
	require.Equal(t, "k", res.Key)

	_, ok = p.Resolve(1, true)
	require.False(t, ok, "resolving twice must not succeed")
}

// spec.md §8 Scenario F / §4.2 takeover: a Prepare already locally persisted
// before a real topology is assigned commits immediately, regardless of its
// original level.
func TestResolveTakeoverCommitsLocallyPersistedPrepareImmediately(t *testing.T) {
	p := NewPassive(log.Root())
	p.Track(1, "k", 0, common.LevelPersistToMajority)
	p.MarkLocallyPersisted(1)
	p.BeginTakeover()

	active, immediate, recommitting := p.ResolveTakeover("active", chain("active"))
	require.Len(t, immediate, 1)
	require.True(t, immediate[0].Committed)
	require.Equal(t, uint64(1), immediate[0].BySeqno)
	require.Empty(t, active.Outstanding(), "the resolved Prepare must not also be re-tracked on the new Active")
	require.Empty(t, recommitting, "an immediately committed Prepare is not a recommit")
}

// A Prepare not yet locally persisted at takeover time is handed to the new
// Active unresolved, to be re-evaluated under the real topology.
func TestResolveTakeoverHandsUnpersistedPrepareToNewActive(t *testing.T) {
	p := NewPassive(log.Root())
	p.Track(1, "k", 0, common.LevelMajority)
	p.BeginTakeover()

	active, immediate, recommitting := p.ResolveTakeover("active", chain("active", "replica"))
	require.Empty(t, immediate)
	require.Len(t, active.Outstanding(), 1)
	require.Equal(t, uint64(1), active.Outstanding()[0].BySeqno)
	require.Len(t, recommitting, 1)
	require.Equal(t, "k", recommitting[0].Key)
}

// A Passive given a known topology via SetTopology (no takeover) keeps it
// as authoritative on promotion, even if the caller passes a different one.
func TestResolveTakeoverUsesKnownTopologyOverCallerArgumentWhenNotTakingOver(t *testing.T) {
	p := NewPassive(log.Root())
	p.SetTopology(chain("active", "replica"))

	active, _, _ := p.ResolveTakeover("active", chain("someone-else"))
	require.Equal(t, chain("active", "replica"), active.Topology())
}

func TestPassiveAbortAllNotifiesEveryTrackedPrepare(t *testing.T) {
	p := NewPassive(log.Root())
	p.Track(1, "a", 0, common.LevelMajority)
	p.Track(2, "b", 0, common.LevelMajority)

	res := p.AbortAll()
	require.Len(t, res, 2)
	require.Empty(t, p.AbortAll(), "a second AbortAll has nothing left to resolve")
}
