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
	"fmt"
	"sync"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// PersistenceCursorName is the always-registered, never-droppable cursor
// (spec.md §4.3).
const PersistenceCursorName = "persistence"

// Config bounds an Open Checkpoint's lifetime (spec.md §4.3 transition 4).
type Config struct {
	// MaxItemsPerCheckpoint closes the Open Checkpoint once it holds this
	// many items.
	MaxItemsPerCheckpoint int
	// Eager selects synchronous closed-checkpoint removal on every cursor
	// advance (spec.md §4.3 "eager mode"); false means a background
	// sweeper must call Sweep periodically ("lazy mode").
	Eager bool
}

func DefaultConfig() Config {
	return Config{MaxItemsPerCheckpoint: 500, Eager: true}
}

// Stats is the numeric snapshot SPEC_FULL.md §3 asks for.
type Stats struct {
	NumCheckpoints    int
	NumItems          int
	NumRegisteredCursors int
}

// Manager owns one vBucket's ordered Checkpoint list, its cursor registry,
// and the reclamation bookkeeping (component C3, spec.md §4.3).
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log log.Logger

	vbid uint16

	// arena is the ordered-by-id checkpoint list (spec.md §9 "arena-per-vBucket").
	arena map[uint64]*Checkpoint
	order []uint64 // checkpoint ids, oldest first

	nextID uint64

	cursors map[string]*Cursor

	destroyer *Destroyer
}

// NewManager creates an empty manager with a fresh Open Checkpoint at the
// tail and the mandatory persistence cursor registered at its start.
func NewManager(vbid uint16, cfg Config, destroyer *Destroyer, logger log.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       logger.New("component", "checkpointmanager", "vbid", vbid),
		vbid:      vbid,
		arena:     map[uint64]*Checkpoint{},
		cursors:   map[string]*Cursor{},
		destroyer: destroyer,
	}
	m.openNewLocked(KindMemory)
	m.cursors[PersistenceCursorName] = &Cursor{
		Name:         PersistenceCursorName,
		Kind:         CursorPersistence,
		checkpointID: m.order[0],
	}
	m.arena[m.order[0]].registerCursor(PersistenceCursorName)
	return m
}

func (m *Manager) openLast() *Checkpoint {
	return m.arena[m.order[len(m.order)-1]]
}

func (m *Manager) openNewLocked(kind Kind) *Checkpoint {
	start := uint64(0)
	if len(m.order) > 0 {
		start = m.openLast().Range.End + 1
	}
	m.nextID++
	cp := newCheckpoint(m.nextID, kind, start)
	m.arena[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return cp
}

// Enqueue appends item to the Open Checkpoint, forcing a new one first if
// any of spec.md §4.3's transition rules require it.
func (m *Manager) Enqueue(item *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openLast()
	switch {
	case item.Op.IsSyncWrite() && open.hasCommittedMutation(item.Collection, item.Key):
		// transition 1: a Prepare must not share a Checkpoint with a
		// committed mutation for the same key already queued there.
		open.close(open.Range.End)
		open = m.openNewLocked(KindMemory)
	case item.Op == OpCommitSyncWrite || item.Op == OpAbortSyncWrite:
		// transition 2: Commit/Abort always opens a new Checkpoint.
		open.close(open.Range.End)
		open = m.openNewLocked(KindMemory)
	case item.Op == OpCheckpointStart:
		open.close(open.Range.End)
		open = m.openNewLocked(KindMemory)
	}

	open.append(item)

	if len(open.items) >= m.cfg.MaxItemsPerCheckpoint {
		m.closeAndOpenLocked()
	}
}

// CloseOpen force-closes the current Open Checkpoint (e.g. on an explicit
// snapshot boundary from replication) and opens a fresh one.
func (m *Manager) CloseOpen(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.openLast()
	open.close(open.Range.End)
	m.openNewLocked(kind)
}

func (m *Manager) closeAndOpenLocked() {
	open := m.openLast()
	highCompleted := open.Range.End
	open.close(highCompleted)
	m.openNewLocked(open.Kind)
}

// RegisterCursor adds a new cursor starting at the oldest Checkpoint's
// first item (spec.md §4.3 "registered from the beginning").
func (m *Manager) RegisterCursor(name string, kind CursorKind) *Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Cursor{Name: name, Kind: kind, checkpointID: m.order[0]}
	m.cursors[name] = c
	m.arena[m.order[0]].registerCursor(name)
	return c
}

// DropCursor removes a (typically slow replication) cursor, per spec.md
// §4.3's "may be dropped under memory pressure". The persistence cursor
// must never be passed here.
func (m *Manager) DropCursor(name string) error {
	if name == PersistenceCursorName {
		return fmt.Errorf("checkpoint: persistence cursor cannot be dropped")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil
	}
	if cp, ok := m.arena[c.checkpointID]; ok {
		cp.unregisterCursor(name)
		m.maybeReclaimLocked(cp)
	}
	delete(m.cursors, name)
	return nil
}

// Next returns the next item for cursor, advancing it. ok is false when the
// cursor has caught up to the Open Checkpoint's current tail.
func (m *Manager) Next(name string) (item *Item, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, exists := m.cursors[name]
	if !exists {
		return nil, false
	}
	cp, exists := m.arena[c.checkpointID]
	if !exists {
		return nil, false
	}
	if c.offset < len(cp.items) {
		item = cp.items[c.offset]
		c.offset++
		if c.offset >= len(cp.items) && cp.State == StateClosed {
			m.advanceCursorToNextLocked(c, cp)
		}
		return item, true
	}
	if cp.State == StateClosed {
		m.advanceCursorToNextLocked(c, cp)
		return m.nextLockedAfterAdvance(c)
	}
	return nil, false
}

// CursorCheckpoint reports the id and Kind of the Checkpoint a cursor is
// currently positioned in. PeekBatch itself keeps a Memory Checkpoint within
// one batch (spec.md §4.4 "Memory Checkpoints are not split"); the Flusher
// does not call this.
func (m *Manager) CursorCheckpoint(name string) (id uint64, kind Kind, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, exists := m.cursors[name]
	if !exists {
		return 0, 0, false
	}
	cp, exists := m.arena[c.checkpointID]
	if !exists {
		return 0, 0, false
	}
	return cp.ID, cp.Kind, true
}

// PeekBatch returns up to maxItems items starting at cursor's current
// position, without advancing it (spec.md §4.4 step 1 "Collect batch from
// persistence cursor (without yet advancing it)"). It crosses into later
// Checkpoints once the current one is Closed. Once maxItems is reached it
// still finishes the Memory Checkpoint it is in, so a Memory Checkpoint is
// never split across calls; a Disk Checkpoint may be.
func (m *Manager) PeekBatch(name string, maxItems int) []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.cursors[name]
	if !exists {
		return nil
	}
	cpID := c.checkpointID
	offset := c.offset

	var out []*Item
	for {
		cp, exists := m.arena[cpID]
		if !exists {
			break
		}
		if offset >= len(cp.items) {
			if cp.State != StateClosed || len(out) >= maxItems {
				break
			}
			idx := m.indexOf(cpID)
			if idx < 0 || idx+1 >= len(m.order) {
				break
			}
			cpID = m.order[idx+1]
			offset = 0
			continue
		}
		if len(out) >= maxItems && (cp.Kind != KindMemory || offset == 0) {
			break
		}
		out = append(out, cp.items[offset])
		offset++
	}
	return out
}

// Advance moves cursor forward by n positions, mirroring what n calls to
// Next would do but discarding the items — used by the Flusher once a
// batch collected via PeekBatch has committed successfully.
func (m *Manager) Advance(name string, n int) {
	for i := 0; i < n; i++ {
		if _, ok := m.Next(name); !ok {
			return
		}
	}
}

func (m *Manager) nextLockedAfterAdvance(c *Cursor) (*Item, bool) {
	cp, ok := m.arena[c.checkpointID]
	if !ok || c.offset >= len(cp.items) {
		return nil, false
	}
	item := cp.items[c.offset]
	c.offset++
	return item, true
}

// advanceCursorToNextLocked moves a cursor that has drained a Closed
// Checkpoint into the next one in order, and reclaims the old one if it is
// now unreferenced (spec.md §4.3 "eager mode").
func (m *Manager) advanceCursorToNextLocked(c *Cursor, from *Checkpoint) {
	idx := m.indexOf(from.ID)
	if idx < 0 || idx+1 >= len(m.order) {
		return
	}
	nextID := m.order[idx+1]
	from.unregisterCursor(c.Name)
	c.checkpointID = nextID
	c.offset = 0
	m.arena[nextID].registerCursor(c.Name)
	m.maybeReclaimLocked(from)
}

func (m *Manager) indexOf(id uint64) int {
	for i, v := range m.order {
		if v == id {
			return i
		}
	}
	return -1
}

// maybeReclaimLocked unlinks a Closed Checkpoint with zero cursors and hands
// it to the Destroyer for asynchronous free (spec.md §4.3 "closed-checkpoint
// removal", §4.5).
func (m *Manager) maybeReclaimLocked(cp *Checkpoint) {
	if cp.State != StateClosed || cp.cursorCount() != 0 {
		return
	}
	idx := m.indexOf(cp.ID)
	if idx < 0 {
		return
	}
	m.order = append(m.order[:idx], m.order[idx+1:]...)
	delete(m.arena, cp.ID)
	if m.destroyer != nil {
		m.destroyer.Enqueue(cp)
	}
	m.log.Debug("[checkpoint] reclaimed closed checkpoint", "id", cp.ID, "items", cp.Len())
}

// Sweep performs the lazy-mode background pass over all Closed Checkpoints,
// reclaiming any that have become unreferenced since the last cursor
// advance (spec.md §4.3 "in lazy mode, a background sweeper scans
// periodically").
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range append([]uint64(nil), m.order...) {
		cp := m.arena[id]
		if cp != nil && cp.State == StateClosed {
			m.maybeReclaimLocked(cp)
		}
	}
}

// ExpelBelowCursors drops items from Closed Checkpoints that lie below every
// registered cursor's position, preserving Checkpoint skeletons (spec.md
// §4.3 "item expelling"). Returns the number of items and approximate bytes
// freed.
func (m *Manager) ExpelBelowCursors() (itemsFreed int, bytesFreed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minByCheckpoint := map[uint64]int{}
	for _, c := range m.cursors {
		if cur, ok := minByCheckpoint[c.checkpointID]; !ok || c.offset < cur {
			minByCheckpoint[c.checkpointID] = c.offset
		}
	}

	for _, id := range m.order {
		cp := m.arena[id]
		cursorFloor, hasCursor := minByCheckpoint[id]
		if cp.State == StateClosed {
			floor := len(cp.items)
			if hasCursor {
				floor = cursorFloor
			}
			for i := 0; i < floor; i++ {
				if cp.items[i] == nil {
					continue
				}
				bytesFreed += int64(len(cp.items[i].Value))
				itemsFreed++
				cp.items[i] = nil
			}
		}
		// Every later Checkpoint lies above the cursor(s) positioned here.
		if hasCursor || cp.State != StateClosed {
			break
		}
	}
	return itemsFreed, bytesFreed
}

// OpenCheckpointID returns the id of the current Open (tail) Checkpoint,
// for inclusion in the persisted vbucket_state record (spec.md §4.4 step 2).
func (m *Manager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLast().ID
}

// OpenItems returns a snapshot of the current Open Checkpoint's items, for
// callers (tests, stats) that need to inspect dedup behavior directly rather
// than through a cursor.
func (m *Manager) OpenItems() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.openLast()
	out := make([]*Item, len(open.items))
	copy(out, open.items)
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := 0
	for _, cp := range m.arena {
		items += cp.Len()
	}
	return Stats{NumCheckpoints: len(m.order), NumItems: items, NumRegisteredCursors: len(m.cursors)}
}
