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

package durability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// ActiveSource is what the DurabilityTimeoutTask needs from a running
// vBucket's Active monitor: a tick and a way to report what it resolved.
type ActiveSource interface {
	Tick(now time.Time) []Resolution
}

// TimeoutConfig bounds how often the background sweep runs and how fast it
// is allowed to fan out SyncWriteAmbiguous notifications, so one vBucket
// with thousands of timed-out Prepares cannot starve the scheduler that
// also runs the Flusher and Remover (SPEC_FULL.md §2 domain-stack row for
// "background-task rate limiting").
type TimeoutConfig struct {
	SweepInterval time.Duration
	// NotifyBurst/NotifyPerSecond bound the rate at which resolved
	// Prepares are handed to the per-vBucket callback.
	NotifyPerSecond rate.Limit
	NotifyBurst     int
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{SweepInterval: 100 * time.Millisecond, NotifyPerSecond: 2000, NotifyBurst: 500}
}

// Task is the DurabilityTimeoutTask (spec.md §4.2 "On tick(now)") driving
// Active.Tick across every registered vBucket on a fixed interval, grounded
// on the teacher's own rate-limited background-task idiom
// (golang.org/x/time/rate guarding a periodic sweep loop).
type Task struct {
	cfg     TimeoutConfig
	log     log.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	vbuckets map[uint16]ActiveSource
	onResolve func(vbid uint16, r Resolution)
}

func NewTask(cfg TimeoutConfig, onResolve func(vbid uint16, r Resolution), logger log.Logger) *Task {
	return &Task{
		cfg:       cfg,
		log:       logger.New("component", "durabilitytimeouttask"),
		limiter:   rate.NewLimiter(cfg.NotifyPerSecond, cfg.NotifyBurst),
		vbuckets:  map[uint16]ActiveSource{},
		onResolve: onResolve,
	}
}

func (t *Task) Register(vbid uint16, a ActiveSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vbuckets[vbid] = a
}

func (t *Task) Unregister(vbid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vbuckets, vbid)
}

// Run drives the sweep loop until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(ctx, now)
		}
	}
}

func (t *Task) sweep(ctx context.Context, now time.Time) {
	t.mu.Lock()
	snapshot := make(map[uint16]ActiveSource, len(t.vbuckets))
	for vbid, a := range t.vbuckets {
		snapshot[vbid] = a
	}
	t.mu.Unlock()

	for vbid, a := range snapshot {
		for _, r := range a.Tick(now) {
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			if t.onResolve != nil {
				t.onResolve(vbid, r)
			}
		}
	}
	if len(snapshot) > 0 {
		t.log.Debug("[durability] timeout sweep complete", "vbuckets", len(snapshot))
	}
}
