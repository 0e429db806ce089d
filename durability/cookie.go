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

// Package durability implements the Active/Passive DurabilityMonitor
// (component C4, spec.md §4.2): the tracker of in-flight Prepares and the
// rules that decide when one may be committed.
package durability

import "github.com/erigontech/epbucket/epkverrors"

// Outcome is the definitive, asynchronous result delivered to a parked
// cookie (spec.md §7 "Durability outcomes").
type Outcome struct {
	Kind    epkverrors.Kind // Success, Cancelled, SyncWriteAmbiguous, or SyncWriteTimedOut
	Seqno   uint64          // the Commit/Abort seqno, when applicable
}

// PendingCookie is the explicit async handle spec.md §9 calls for in place
// of "thread-park and out-of-band notification": each Prepare tracker entry
// owns one, and completion is a single send to it, never a callback run
// under a lock.
type PendingCookie struct {
	done chan Outcome
}

// NewPendingCookie allocates a cookie with room for exactly one outcome —
// a Prepare resolves exactly once.
func NewPendingCookie() *PendingCookie {
	return &PendingCookie{done: make(chan Outcome, 1)}
}

// Notify delivers the outcome. It is safe to call at most once; a second
// call would block forever against the buffered channel's single slot, so
// callers must guarantee single delivery (the tracker enforces this by
// removing the entry before notifying).
func (c *PendingCookie) Notify(o Outcome) {
	c.done <- o
}

// Wait blocks the frontend thread that owns this cookie until Notify is
// called. Frontend code typically selects on this alongside connection
// close to implement the "Cancelled" semantics of spec.md §5.
func (c *PendingCookie) Wait() <-chan Outcome {
	return c.done
}

// Transport is the narrow external boundary spec.md §9 describes in place
// of a `DelayedDestruction`/`AsyncSocket` dependency on an event loop: it is
// how the Active DurabilityMonitor learns about replica acks and how a
// Passive monitor would, in a full build, forward them on. The core never
// holds a concrete event-loop handle.
type Transport interface {
	// SeqnoAck is called by the replication layer when node has
	// acknowledged up to upTo for vbid.
	SeqnoAck(vbid uint16, node string, upTo uint64)
}
