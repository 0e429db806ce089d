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

package checkpoint

import (
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// Destroyer owns detached Checkpoints awaiting asynchronous free (component
// C7, spec.md §4.5). Producers splice onto toDestroy under a lock; the
// background task swaps the list out and frees outside the lock, so a slow
// free never blocks a CheckpointManager's hot path.
type Destroyer struct {
	mu        sync.Mutex
	toDestroy []*Checkpoint

	pendingBytes atomic.Int64
	log          log.Logger
}

func NewDestroyer(logger log.Logger) *Destroyer {
	return &Destroyer{log: logger.New("component", "checkpointdestroyer")}
}

// Enqueue hands a detached Checkpoint to the destroyer. It is called with
// the owning Manager's lock held, so it must not block.
func (d *Destroyer) Enqueue(cp *Checkpoint) {
	d.mu.Lock()
	d.toDestroy = append(d.toDestroy, cp)
	d.mu.Unlock()
	d.pendingBytes.Add(checkpointMemoryUsage(cp))
}

// PendingDestructionMemoryUsage is the SPEC_FULL.md §3 stats counter.
func (d *Destroyer) PendingDestructionMemoryUsage() int64 {
	return d.pendingBytes.Load()
}

// Run frees every currently queued Checkpoint. Call it from the task
// executor's background loop; it recovers from a panic in a single
// Checkpoint's teardown so one bad node doesn't wedge the whole sweep,
// annotating the log with the captured stack the way the teacher's own
// diagnostics paths do.
func (d *Destroyer) Run() (freed int) {
	d.mu.Lock()
	batch := d.toDestroy
	d.toDestroy = nil
	d.mu.Unlock()

	for _, cp := range batch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("[destroyer] panic freeing checkpoint", "id", cp.ID, "panic", r, "stack", stack.Trace().TrimRuntime())
				}
			}()
			freedBytes := checkpointMemoryUsage(cp)
			cp.items = nil
			cp.index = nil
			d.pendingBytes.Add(-freedBytes)
			freed++
		}()
	}
	return freed
}

func checkpointMemoryUsage(cp *Checkpoint) int64 {
	var n int64
	for _, it := range cp.items {
		if it == nil {
			continue
		}
		n += int64(len(it.Key)) + int64(len(it.Value)) + 64
	}
	return n
}
