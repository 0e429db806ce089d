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

	"github.com/erigontech/epbucket/epkverrors"
	"github.com/erigontech/erigon-lib/common"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// Resolution is handed back to the VBucket when a tracked Prepare commits or
// aborts, so it can append the matching CommitSyncWrite/AbortSyncWrite
// QueuedItem (spec.md §4.1 "observable side effects").
type Resolution struct {
	BySeqno    uint64
	Key        string
	Collection uint32
	Committed  bool
}

// Active is the leader-side DurabilityMonitor (spec.md §4.2). One instance
// per vBucket while that vBucket's state is Active.
type Active struct {
	mu       sync.Mutex
	log      log.Logger
	localNode string
	topology common.Topology
	tr       *tracker
	deadlines map[uint64]time.Time
}

// NewActive constructs an Active monitor for localNode under topology.
func NewActive(localNode string, topology common.Topology, logger log.Logger) *Active {
	return &Active{
		log:       logger.New("component", "durabilitymonitor", "role", "active"),
		localNode: localNode,
		topology:  topology,
		tr:        newTracker(),
		deadlines: map[uint64]time.Time{},
	}
}

// Track begins tracking a Prepare at bySeqno (spec.md §4.2 "On track(prepare)").
// deadline is the absolute wall-clock time Tick will abort it at; the zero
// Time means no deadline (TimeoutInfinite).
func (a *Active) Track(bySeqno uint64, key string, collection uint32, level common.Level, deadline time.Time, cookie *PendingCookie) error {
	if a.topology.Size() > 3 {
		return epkverrors.New(epkverrors.KindDurabilityImpossible, "chain of size %d exceeds maximum 3", a.topology.Size())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := &trackerEntry{
		bySeqno:    bySeqno,
		key:        key,
		collection: collection,
		level:      level,
		cookie:     cookie,
		acked:      map[string]uint64{a.localNode: bySeqno},
	}
	a.tr.insert(e)
	if !deadline.IsZero() {
		a.deadlines[bySeqno] = deadline
	}
	return nil
}

// SeqnoAck records that node has acked up to upTo, then commits every
// Prepare that becomes committable, strictly in bySeqno order (spec.md
// §4.2 "no out-of-order commits").
func (a *Active) SeqnoAck(node string, upTo uint64) []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tr.ascend(func(e *trackerEntry) bool {
		if e.bySeqno > upTo {
			return false
		}
		e.acked[node] = upTo
		return true
	})
	return a.settleLocked()
}

// PersistedUpTo records the Active's own local-persistence progress
// (spec.md §4.2 "On persistedUpTo(seqno)"), required for PersistToMajority
// and MajorityAndPersistOnMaster.
func (a *Active) PersistedUpTo(seqno uint64) []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tr.ascend(func(e *trackerEntry) bool {
		if e.bySeqno > seqno {
			return false
		}
		e.persistedLocally = true
		return true
	})
	return a.settleLocked()
}

// settleLocked walks the tracker in increasing bySeqno order, committing a
// run of committable Prepares and stopping at the first that is not
// (spec.md §4.2 commit rule's "Ordered" clause: S waits if S-1 isn't ready).
func (a *Active) settleLocked() []Resolution {
	var out []Resolution
	for {
		oldest := a.tr.oldest()
		if oldest == nil || !a.committableLocked(oldest) {
			break
		}
		a.tr.remove(oldest.bySeqno)
		delete(a.deadlines, oldest.bySeqno)
		out = append(out, Resolution{BySeqno: oldest.bySeqno, Key: oldest.key, Collection: oldest.collection, Committed: true})
		if oldest.cookie != nil {
			oldest.cookie.Notify(Outcome{Kind: epkverrors.KindSuccess, Seqno: oldest.bySeqno})
		}
	}
	return out
}

// committableLocked implements the exact commit rule of spec.md §4.2 for a
// single entry, given it is already known to be the oldest outstanding one.
func (a *Active) committableLocked(e *trackerEntry) bool {
	m := a.topology.Majority()
	acked := 0
	for _, node := range a.topology.Nodes() {
		if _, ok := e.acked[node]; ok {
			acked++
		}
	}
	if acked < m {
		return false
	}
	if e.level == common.LevelPersistToMajority || e.level == common.LevelMajorityAndPersistOnMaster {
		if !e.persistedLocally {
			return false
		}
	}
	if e.level == common.LevelPersistToMajority {
		// m persistence-acks are required from chain members; the local
		// node's own persistence is one of them, and each other chain
		// member's seqno ack counts as one.
		persistAcked := 0
		if e.persistedLocally {
			persistAcked++
		}
		for _, node := range a.topology.Nodes() {
			if node == a.localNode {
				continue
			}
			if _, ok := e.acked[node]; ok {
				persistAcked++
			}
		}
		if persistAcked < m {
			return false
		}
	}
	return true
}

// Tick aborts every tracked Prepare whose deadline has elapsed, notifying
// its cookie with SyncWriteAmbiguous (spec.md §4.2 "On tick(now)").
func (a *Active) Tick(now time.Time) []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	var expired []uint64
	for seqno, dl := range a.deadlines {
		if !now.Before(dl) {
			expired = append(expired, seqno)
		}
	}
	var out []Resolution
	for _, seqno := range expired {
		e := a.tr.get(seqno)
		if e == nil {
			continue
		}
		a.tr.remove(seqno)
		delete(a.deadlines, seqno)
		out = append(out, Resolution{BySeqno: seqno, Key: e.key, Collection: e.collection, Committed: false})
		if e.cookie != nil {
			e.cookie.Notify(Outcome{Kind: epkverrors.KindSyncWriteAmbiguous, Seqno: seqno})
		}
	}
	return out
}

// SetTopology re-evaluates every tracked Prepare against a new chain
// (spec.md §4.2 "On topology change"). A chain longer than 3 is rejected
// up front by Track, not here — existing tracked entries are only
// re-checked for commit eligibility under the new majority threshold.
func (a *Active) SetTopology(topo common.Topology) []Resolution {
	a.mu.Lock()
	a.topology = topo
	a.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settleLocked()
}

// Topology returns the chain this monitor currently evaluates Prepares
// against.
func (a *Active) Topology() common.Topology {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topology
}

// AbortAll aborts every outstanding Prepare with SyncWriteAmbiguous, used on
// a Dead-state transition (spec.md §4.2 "Failure semantics").
func (a *Active) AbortAll() []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Resolution
	var all []*trackerEntry
	a.tr.ascend(func(e *trackerEntry) bool { all = append(all, e); return true })
	for _, e := range all {
		a.tr.remove(e.bySeqno)
		delete(a.deadlines, e.bySeqno)
		out = append(out, Resolution{BySeqno: e.bySeqno, Key: e.key, Collection: e.collection, Committed: false})
		if e.cookie != nil {
			e.cookie.Notify(Outcome{Kind: epkverrors.KindSyncWriteAmbiguous, Seqno: e.bySeqno})
		}
	}
	return out
}

// Outstanding returns every tracked Prepare's entry for transfer across a
// role switch (spec.md §4.2 "transitions ... transfer outstanding Prepares").
func (a *Active) Outstanding() []PrepareHandoff {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []PrepareHandoff
	a.tr.ascend(func(e *trackerEntry) bool {
		out = append(out, PrepareHandoff{
			BySeqno:          e.bySeqno,
			Key:              e.key,
			Collection:       e.collection,
			Level:            e.level,
			Cookie:           e.cookie,
			PersistedLocally: e.persistedLocally,
		})
		return true
	})
	return out
}

// PrepareHandoff carries one in-flight Prepare's state across an
// Active<->Passive role switch.
type PrepareHandoff struct {
	BySeqno          uint64
	Key              string
	Collection       uint32
	Level            common.Level
	Cookie           *PendingCookie
	PersistedLocally bool
	Deadline         time.Time
}
