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
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// MemoryUsage reports a Manager's approximate checkpoint-memory footprint,
// used by the Remover to order vBuckets by descending pressure.
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range m.order {
		n += checkpointMemoryUsage(m.arena[id])
	}
	return n
}

// RemoverConfig bounds the reclamation loop (spec.md §4.5).
type RemoverConfig struct {
	// MemoryBudget is the total checkpoint-memory budget across all
	// managed vBuckets; the Remover only acts once usage exceeds it.
	MemoryBudget int64
}

// Remover is the memory-pressure-driven reclamation loop (component C7,
// spec.md §4.5). It fans out across vBuckets concurrently with
// golang.org/x/sync/errgroup, mirroring the teacher's own per-shard
// parallel sweep idiom.
type Remover struct {
	cfg RemoverConfig
	log log.Logger

	mu       sync.Mutex
	managers map[uint16]*Manager
}

func NewRemover(cfg RemoverConfig, logger log.Logger) *Remover {
	return &Remover{cfg: cfg, log: logger.New("component", "checkpointremover"), managers: map[uint16]*Manager{}}
}

func (r *Remover) Register(vbid uint16, m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[vbid] = m
}

func (r *Remover) Unregister(vbid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, vbid)
}

// Sweep runs one reclamation pass: (a) closed-checkpoint removal across
// vBuckets ordered by descending memory, (b) item-expelling if still short,
// (c) dropping slow replication cursors if still short. Returns the total
// bytes recovered.
func (r *Remover) Sweep(ctx context.Context, currentUsage int64, dropCursor func(vbid uint16) (name string, ok bool)) int64 {
	if currentUsage <= r.cfg.MemoryBudget {
		return 0
	}
	shortfall := currentUsage - r.cfg.MemoryBudget

	r.mu.Lock()
	ordered := make([]struct {
		vbid uint16
		mgr  *Manager
		mem  int64
	}, 0, len(r.managers))
	for vbid, m := range r.managers {
		ordered = append(ordered, struct {
			vbid uint16
			mgr  *Manager
			mem  int64
		}{vbid, m, m.MemoryUsage()})
	}
	r.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].mem > ordered[j].mem })

	var recovered atomic.Int64

	g, _ := errgroup.WithContext(ctx)
	for _, e := range ordered {
		e := e
		g.Go(func() error {
			before := e.mgr.MemoryUsage()
			e.mgr.Sweep()
			if freed := before - e.mgr.MemoryUsage(); freed > 0 {
				recovered.Add(freed)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range ordered {
		if recovered.Load() >= shortfall {
			break
		}
		items, bytes := e.mgr.ExpelBelowCursors()
		recovered.Add(bytes)
		if items > 0 {
			r.log.Info("[remover] expelled items", "vbid", e.vbid, "items", items, "bytes", bytes)
		}
	}

	if recovered.Load() < shortfall && dropCursor != nil {
		for _, e := range ordered {
			if recovered.Load() >= shortfall {
				break
			}
			if name, ok := dropCursor(e.vbid); ok {
				_ = e.mgr.DropCursor(name)
				r.log.Warn("[remover] dropped slow cursor under memory pressure", "vbid", e.vbid, "cursor", name)
			}
		}
	}

	return recovered.Load()
}
