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

import "github.com/erigontech/epbucket/durability"

// ReplicationBridge implements durability.Transport over a Bucket: it is
// the seam a replication layer plugs into without the DurabilityMonitor
// ever holding a transport handle directly (spec.md §9's narrow-boundary
// note).
type ReplicationBridge struct {
	bucket Bucket
}

func NewReplicationBridge(b Bucket) *ReplicationBridge {
	return &ReplicationBridge{bucket: b}
}

// SeqnoAck forwards a replica's ack to the owning vBucket's
// SeqnoAcknowledged, resolving any Prepares it makes committable.
func (r *ReplicationBridge) SeqnoAck(vbid uint16, node string, upTo uint64) {
	vb, ok := r.bucket.VBucket(vbid)
	if !ok {
		return
	}
	_ = vb.SeqnoAcknowledged(node, upTo)
}

var _ durability.Transport = (*ReplicationBridge)(nil)
