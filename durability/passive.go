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
	"sync"
	"time"

	"github.com/erigontech/erigon-lib/common"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// Passive is the follower-side DurabilityMonitor (spec.md §4.2). It tracks
// Prepares streamed from the Active node and resolves them only on an
// explicit Commit/Abort from upstream, never on its own.
type Passive struct {
	mu  sync.Mutex
	log log.Logger

	topology    common.Topology // null (IsNull()) while taking over
	takeover    bool
	highPrepared uint64

	tr *tracker
}

func NewPassive(logger log.Logger) *Passive {
	return &Passive{
		log: logger.New("component", "durabilitymonitor", "role", "passive"),
		tr:  newTracker(),
	}
}

// Track records a Prepare received as part of a DCP snapshot (spec.md §4.2
// "Receives Prepares as part of DCP snapshots").
func (p *Passive) Track(bySeqno uint64, key string, collection uint32, level common.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tr.insert(&trackerEntry{bySeqno: bySeqno, key: key, collection: collection, level: level, acked: map[string]uint64{}})
}

// SnapshotEnd advances high-prepared-seqno to the snapshot end (spec.md
// §4.2 "On snapshot-end received").
func (p *Passive) SnapshotEnd(end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if end > p.highPrepared {
		p.highPrepared = end
	}
}

// HighPreparedSeqno returns the current HPS.
func (p *Passive) HighPreparedSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highPrepared
}

// Resolve applies a Commit or Abort from the Active, removing the tracked
// Prepare (spec.md §4.2 "On Commit/Abort from Active").
func (p *Passive) Resolve(bySeqno uint64, committed bool) (Resolution, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.tr.get(bySeqno)
	if e == nil {
		return Resolution{}, false
	}
	p.tr.remove(bySeqno)
	return Resolution{BySeqno: bySeqno, Key: e.key, Collection: e.collection, Committed: committed}, true
}

// BeginTakeover switches this monitor into Passive->Active takeover mode
// with a null topology (spec.md §4.2, §9 Scenario F): all outstanding
// Prepares are retained as-is.
func (p *Passive) BeginTakeover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.takeover = true
	p.topology = common.Topology{}
}

// SetTopology installs a known topology without entering takeover mode: the
// steady-state case where a vBucket demotes to Passive already knowing who
// its new Active is. ResolveTakeover later trusts this topology over
// whatever the caller passes it, since it predates the promotion.
func (p *Passive) SetTopology(topo common.Topology) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.takeover = false
	p.topology = topo
}

// MarkLocallyPersisted records that bySeqno has reached disk, used during
// takeover to allow an immediate commit once a real topology is set.
func (p *Passive) MarkLocallyPersisted(bySeqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.tr.get(bySeqno); e != nil {
		e.persistedLocally = true
	}
}

// RecommitKey identifies a Prepare that survived a Passive->Active takeover
// unresolved: it is handed to the new Active for re-evaluation, and a
// mutate() against the same key in the meantime must report
// SyncWriteReCommitInProgress rather than the generic SyncWriteInProgress.
type RecommitKey struct {
	Key        string
	Collection uint32
}

// ResolveTakeover promotes this monitor to Active, committing immediately
// any Prepare already locally persisted regardless of its level (spec.md
// §4.2 "for Prepares already locally persisted, Commit is immediate
// irrespective of level"). Remaining Prepares are handed to the new Active
// unresolved via its Track and reported back as RecommitKeys.
//
// If SetTopology installed a known topology (not mid-takeover), that
// topology is authoritative and topo is ignored; topo is used while
// p.takeover is true (the null-topology case BeginTakeover puts this
// monitor in) or when no topology was ever installed.
func (p *Passive) ResolveTakeover(localNode string, topo common.Topology) (*Active, []Resolution, []RecommitKey) {
	p.mu.Lock()
	var all []*trackerEntry
	p.tr.ascend(func(e *trackerEntry) bool { all = append(all, e); return true })
	resolved := topo
	if !p.takeover && !p.topology.IsNull() {
		resolved = p.topology
	}
	p.mu.Unlock()

	active := NewActive(localNode, resolved, p.log)
	var immediate []Resolution
	var recommitting []RecommitKey
	for _, e := range all {
		if e.persistedLocally {
			immediate = append(immediate, Resolution{BySeqno: e.bySeqno, Key: e.key, Collection: e.collection, Committed: true})
			continue
		}
		_ = active.Track(e.bySeqno, e.key, e.collection, e.level, time.Time{}, e.cookie)
		recommitting = append(recommitting, RecommitKey{Key: e.key, Collection: e.collection})
	}
	return active, immediate, recommitting
}

// AbortAll aborts every tracked Prepare with SyncWriteAmbiguous, used on a
// Dead-state transition (spec.md §4.2 "Failure semantics").
func (p *Passive) AbortAll() []Resolution {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Resolution
	var all []*trackerEntry
	p.tr.ascend(func(e *trackerEntry) bool { all = append(all, e); return true })
	for _, e := range all {
		p.tr.remove(e.bySeqno)
		out = append(out, Resolution{BySeqno: e.bySeqno, Key: e.key, Collection: e.collection, Committed: false})
	}
	return out
}
