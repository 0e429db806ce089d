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

// Package flusher implements the persistence-cursor drain loop (component
// C6, spec.md §4.4): batch collection from CheckpointManager, persist-time
// dedup, and the KVStore commit protocol.
package flusher

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/erigon-lib/kv"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// VBucketSource is what the Flusher needs from the owning vBucket: its
// CheckpointManager, current persisted-state snapshot, and the hook to
// notify once a batch lands (spec.md §4.4 step 3 "invoke
// notifyPersistedSeqno").
type VBucketSource interface {
	VBucketID() uint16
	Manager() *checkpoint.Manager
	StateSnapshot() kv.VBucketState
	NotifyPersistedSeqno(seqno uint64)
	AdjustDiskCount(collection uint32, delta int64)
}

// Config bounds one Flusher's batching and retry behavior.
type Config struct {
	BatchSize  int
	RetryMax   time.Duration
	RetryInitial time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 250, RetryInitial: 50 * time.Millisecond, RetryMax: 5 * time.Second}
}

// Stats is the SPEC_FULL.md §3 counter snapshot.
type Stats struct {
	BatchesFlushed  int64
	ItemsFlushed    int64
	FlushFailures   int64
}

// Flusher drains one vBucket's persistence cursor into a Store, in batches,
// retrying a failed batch with exponential backoff rather than advancing
// the cursor past it (spec.md §4.4 "On failure: do not advance the cursor").
type Flusher struct {
	cfg   Config
	store kv.Store
	log   log.Logger

	batchesFlushed atomic.Int64
	itemsFlushed   atomic.Int64
	flushFailures  atomic.Int64
}

func New(cfg Config, store kv.Store, logger log.Logger) *Flusher {
	return &Flusher{cfg: cfg, store: store, log: logger.New("component", "flusher")}
}

func (f *Flusher) Stats() Stats {
	return Stats{
		BatchesFlushed: f.batchesFlushed.Load(),
		ItemsFlushed:   f.itemsFlushed.Load(),
		FlushFailures:  f.flushFailures.Load(),
	}
}

// FlushOnce drains and commits at most one batch from vb's persistence
// cursor. It returns the number of items flushed (0 if the cursor was
// already caught up) and retries KVStore failures with backoff before
// giving up for this call, per spec.md §4.4's commit protocol.
func (f *Flusher) FlushOnce(ctx context.Context, vb VBucketSource) (int, error) {
	mgr := vb.Manager()

	items := mgr.PeekBatch(checkpoint.PersistenceCursorName, f.cfg.BatchSize)
	if len(items) == 0 {
		return 0, nil
	}

	batch := f.buildBatch(vb, items)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryInitial
	b.MaxInterval = f.cfg.RetryMax
	b.MaxElapsedTime = f.cfg.RetryMax * 4

	err := backoff.Retry(func() error {
		return f.store.Commit(ctx, batch)
	}, backoff.WithContext(b, ctx))

	if err != nil {
		f.flushFailures.Add(1)
		f.log.Warn("[flusher] batch commit failed, will retry next wakeup", "vbid", vb.VBucketID(), "items", len(items), "err", err)
		return 0, err
	}

	mgr.Advance(checkpoint.PersistenceCursorName, len(items))

	f.batchesFlushed.Add(1)
	f.itemsFlushed.Add(int64(len(items)))

	var maxSeqno uint64
	for _, it := range items {
		if it.BySeqno > maxSeqno {
			maxSeqno = it.BySeqno
		}
		f.applyDiskCount(vb, it)
	}
	vb.NotifyPersistedSeqno(maxSeqno)

	return len(items), nil
}

// writeSlot is one key space's pending op plus the position (within the
// batch) of the item that produced it, so the final op list can be emitted
// in the same relative order the items arrived in once both key spaces'
// maps are merged back together.
type writeSlot struct {
	op    kv.WriteOp
	order int
}

// buildBatch implements spec.md §4.4's "Persist-time deduplication" and the
// exact Prepare/Commit persistence rule: a key that appears multiple times
// in the same batch within the same key space keeps only its latest
// occurrence, and a Commit or Abort always tombstones the prepared-space
// entry it resolves in addition to whatever it does in the committed space
// (a Commit also writes the new committed-space value; an Abort leaves the
// committed space untouched).
func (f *Flusher) buildBatch(vb VBucketSource, items []*checkpoint.Item) kv.Batch {
	committed := map[string]writeSlot{}
	prepared := map[string]writeSlot{}

	diskKey := func(space kv.KeySpace, key []byte) kv.DiskKey {
		return kv.DiskKey{VBucketID: vb.VBucketID(), Space: space, Key: key}
	}

	for order, it := range items {
		switch it.Op {
		case checkpoint.OpPendingSyncWrite:
			prepared[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpacePrepared, it.Key), Value: it.Value}, order}
		case checkpoint.OpCommitSyncWrite:
			if it.Deleted {
				committed[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpaceCommitted, it.Key), Deleted: true, BySeqno: it.BySeqno}, order}
			} else {
				committed[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpaceCommitted, it.Key), Value: it.Value, Expiry: it.Expiry, BySeqno: it.BySeqno}, order}
			}
			prepared[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpacePrepared, it.Key), Delete: true}, order}
		case checkpoint.OpAbortSyncWrite:
			prepared[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpacePrepared, it.Key), Delete: true}, order}
		case checkpoint.OpDeletion, checkpoint.OpExpiration:
			committed[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpaceCommitted, it.Key), Deleted: true, BySeqno: it.BySeqno}, order}
		default: // OpMutation
			committed[string(it.Key)] = writeSlot{kv.WriteOp{Key: diskKey(kv.KeySpaceCommitted, it.Key), Value: it.Value, Expiry: it.Expiry, BySeqno: it.BySeqno}, order}
		}
	}

	slots := make([]writeSlot, 0, len(committed)+len(prepared))
	for _, s := range committed {
		slots = append(slots, s)
	}
	for _, s := range prepared {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].order < slots[j].order })

	ops := make([]kv.WriteOp, len(slots))
	for i, s := range slots {
		ops[i] = s.op
	}

	st := vb.StateSnapshot()
	var maxSeqno, maxCompleted, maxPrepared uint64
	for _, it := range items {
		if it.BySeqno > maxSeqno {
			maxSeqno = it.BySeqno
		}
		if it.Op == checkpoint.OpCommitSyncWrite || it.Op == checkpoint.OpAbortSyncWrite {
			if it.BySeqno > maxCompleted {
				maxCompleted = it.BySeqno
			}
		}
		if it.Op == checkpoint.OpPendingSyncWrite && it.BySeqno > maxPrepared {
			maxPrepared = it.BySeqno
		}
	}
	if maxSeqno > st.HighSeqno {
		st.HighSeqno = maxSeqno
	}
	if maxCompleted > st.HighCompletedSeqno {
		st.HighCompletedSeqno = maxCompleted
	}
	if maxPrepared > st.HighPreparedSeqno {
		st.HighPreparedSeqno = maxPrepared
	}

	return kv.Batch{VBucketID: vb.VBucketID(), Ops: ops, State: st}
}

// applyDiskCount implements spec.md §4.4 step 3's disk item-count rule:
// Commit-of-insert -> +1, Commit-of-delete -> -1, Prepares never count.
func (f *Flusher) applyDiskCount(vb VBucketSource, it *checkpoint.Item) {
	switch it.Op {
	case checkpoint.OpMutation:
		if !it.Deleted {
			vb.AdjustDiskCount(uint32(it.Collection), 1)
		} else {
			vb.AdjustDiskCount(uint32(it.Collection), -1)
		}
	case checkpoint.OpDeletion, checkpoint.OpExpiration:
		vb.AdjustDiskCount(uint32(it.Collection), -1)
	case checkpoint.OpCommitSyncWrite:
		if it.Deleted {
			vb.AdjustDiskCount(uint32(it.Collection), -1)
		} else {
			vb.AdjustDiskCount(uint32(it.Collection), 1)
		}
	}
}
