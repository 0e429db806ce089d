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
	"github.com/erigontech/erigon-lib/kv/mdbxstore"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// PersistentConfig configures a disk-backed Bucket.
type PersistentConfig struct {
	Store      mdbxstore.Config
	Checkpoint checkpoint.Config
	VBucket    vbucket.Config
	Flusher    flusher.Config
	// MemoryBudget bounds total checkpoint memory across all vBuckets
	// before the Remover starts reclaiming (in bytes; a Config layer
	// above this one decodes it from a datasize.ByteSize string).
	MemoryBudget int64
}

func DefaultPersistentConfig() PersistentConfig {
	return PersistentConfig{
		Checkpoint: checkpoint.DefaultConfig(),
		VBucket:    vbucket.DefaultConfig(),
		Flusher:    flusher.DefaultConfig(),
	}
}

// Persistent is the disk-backed Bucket: MDBX is both the source of truth for
// committed data and the target of every Flusher batch.
type Persistent struct {
	*base
}

// NewPersistent opens the MDBX environment named by cfg.Store.Path and
// returns a Bucket ready to have vBuckets created on it.
func NewPersistent(cfg PersistentConfig, logger log.Logger) (*Persistent, error) {
	store, err := mdbxstore.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	return &Persistent{base: newBase(store, cfg.Checkpoint, cfg.VBucket, cfg.MemoryBudget, cfg.Flusher, logger)}, nil
}
