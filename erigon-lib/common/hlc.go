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

package common

import (
	"sync/atomic"
	"time"
)

// CAS is a hybrid-logical-clock version stamp. It is monotonic per key
// space and never zero on success (see spec.md §4.1 "Numeric semantics").
type CAS uint64

// HLC is a small hybrid logical clock used to mint CAS values. It combines
// wall-clock nanoseconds with a logical counter so that two CAS values minted
// in the same nanosecond still order strictly, the same trick the teacher's
// own chain uses for block/tx ordering under the hood.
type HLC struct {
	// last packs the wall-clock nanoseconds with their low 16 bits cleared,
	// OR'd with a 16-bit logical counter in those bits, so a single CAS-loop
	// keeps both components monotonic without a mutex.
	last atomic.Uint64
	now  func() time.Time
}

// NewHLC builds an HLC using the real wall clock.
func NewHLC() *HLC {
	return &HLC{now: time.Now}
}

// NewHLCWithClock builds an HLC driven by a caller-supplied clock, so tests
// can assert ordering without sleeping.
func NewHLCWithClock(now func() time.Time) *HLC {
	return &HLC{now: now}
}

const logicalBits = 16
const logicalMask = 1<<logicalBits - 1

// Next returns a fresh, strictly monotonic CAS value.
func (h *HLC) Next() CAS {
	physical := uint64(h.now().UnixNano()) &^ logicalMask
	for {
		prev := h.last.Load()
		prevPhysical := prev &^ logicalMask
		var next uint64
		if physical > prevPhysical {
			next = physical
		} else {
			// wall clock didn't advance (or went backwards): bump the
			// logical counter to preserve strict monotonicity.
			next = prev + 1
		}
		if h.last.CompareAndSwap(prev, next) {
			return CAS(next)
		}
	}
}
