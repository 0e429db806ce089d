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

import (
	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/epbucket/flusher"
	"github.com/erigontech/epbucket/vbucket"
	"github.com/erigontech/erigon-lib/kv/fixturestore"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// EphemeralConfig configures a memory-only Bucket.
type EphemeralConfig struct {
	Checkpoint   checkpoint.Config
	Flusher      flusher.Config
	MemoryBudget int64
}

func DefaultEphemeralConfig() EphemeralConfig {
	return EphemeralConfig{Checkpoint: checkpoint.DefaultConfig(), Flusher: flusher.DefaultConfig()}
}

// Ephemeral is the memory-only Bucket: there is no MDBX environment, but it
// still runs a CheckpointManager, a DurabilityMonitor and a Flusher writing
// into an in-memory fixturestore.Store, so the rest of the durability
// pipeline behaves identically to the persistent path. Per spec.md §4.1,
// PersistToMajority and MajorityAndPersistOnMaster are rejected here
// (vbucket.Config.EphemeralBucket forces that check).
type Ephemeral struct {
	*base
}

func NewEphemeral(cfg EphemeralConfig, logger log.Logger) *Ephemeral {
	vbCfg := vbucket.DefaultConfig()
	vbCfg.EphemeralBucket = true
	store := fixturestore.New()
	return &Ephemeral{base: newBase(store, cfg.Checkpoint, vbCfg, cfg.MemoryBudget, cfg.Flusher, logger)}
}
