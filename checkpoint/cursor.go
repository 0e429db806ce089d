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

// CursorKind distinguishes the always-present persistence cursor from
// replication stream cursors (spec.md §3).
type CursorKind uint8

const (
	CursorPersistence CursorKind = iota
	CursorStream
)

// Cursor is a position marker into the Checkpoint list (spec.md §3/§4.3).
// It addresses a Checkpoint by id within the manager's arena and an offset
// within that Checkpoint's item slice, never a pointer into it.
type Cursor struct {
	Name           string
	Kind           CursorKind
	checkpointID   uint64
	offset         int
}

// Position reports where the cursor currently sits, for tests and stats.
func (c *Cursor) Position() (checkpointID uint64, offset int) {
	return c.checkpointID, c.offset
}
