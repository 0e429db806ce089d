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
	"github.com/erigontech/epbucket/durability"
	"github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/kv"
)

// SetState transitions the VBucket and switches the DurabilityMonitor role
// when Active<->Replica crosses over, transferring outstanding Prepares
// intact (spec.md §4.1 "setState", §4.2, §9).
func (vb *VBucket) SetState(newStatus kv.VBucketStatus, topology *common.Topology) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	wasActive := vb.status == kv.VBucketActive
	willBeActive := newStatus == kv.VBucketActive

	switch {
	case newStatus == kv.VBucketDead:
		vb.abortAllLocked()
	case wasActive && !willBeActive:
		vb.demoteToPassiveLocked(topology)
	case !wasActive && willBeActive:
		vb.promoteToActiveLocked(topology)
	case willBeActive && topology != nil:
		vb.active.SetTopology(*topology)
		vb.topology = *topology
	}

	vb.status = newStatus
	if topology != nil && newStatus != kv.VBucketDead {
		vb.topology = *topology
	}
	return nil
}

// demoteToPassiveLocked switches an Active monitor to Passive, retaining
// every outstanding Prepare (spec.md §4.2 "transfers outstanding Prepares").
// A demotion that already knows the new topology (topology != nil) installs
// it directly, the steady-state replica case; a demotion with no known
// topology enters takeover mode with a null one, the §9 Scenario F case
// where this node lost its Active role without being told who replaced it.
func (vb *VBucket) demoteToPassiveLocked(topology *common.Topology) {
	if vb.active == nil {
		return
	}
	outstanding := vb.active.Outstanding()
	p := durability.NewPassive(vb.log)
	for _, h := range outstanding {
		p.Track(h.BySeqno, h.Key, h.Collection, h.Level)
		if h.PersistedLocally {
			p.MarkLocallyPersisted(h.BySeqno)
		}
	}
	if topology != nil {
		p.SetTopology(*topology)
	} else {
		p.BeginTakeover()
	}
	vb.passive = p
	vb.active = nil
}

// promoteToActiveLocked switches a Passive monitor to Active.
// ResolveTakeover commits already-locally-persisted Prepares immediately
// (spec.md §4.2 / §9 Scenario F). If the Passive was not mid-takeover (null
// topology), it keeps the topology the Passive already knew about (see
// SetTopology) rather than whatever topo this call receives.
// Prepares ResolveTakeover hands to the new Active unresolved are marked
// Recommitting so a racing mutate() reports the correct error kind.
func (vb *VBucket) promoteToActiveLocked(topology *common.Topology) {
	topo := common.Topology{}
	if topology != nil {
		topo = *topology
	}
	if vb.passive != nil {
		active, immediate, recommitting := vb.passive.ResolveTakeover(vb.localNode, topo)
		vb.active = active
		vb.passive = nil
		for _, rk := range recommitting {
			if sv, ok := vb.prepared.Get(rk.Collection, []byte(rk.Key)); ok {
				sv.Recommitting = true
			}
		}
		for _, r := range immediate {
			vb.applyResolutionLocked(r)
		}
		return
	}
	vb.active = durability.NewActive(vb.localNode, topo, vb.log)
}

func (vb *VBucket) abortAllLocked() {
	var resolutions []durability.Resolution
	if vb.active != nil {
		resolutions = vb.active.AbortAll()
	}
	if vb.passive != nil {
		resolutions = append(resolutions, vb.passive.AbortAll()...)
	}
	for _, r := range resolutions {
		vb.applyResolutionLocked(r)
	}
}
