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

package vbucket

import (
	"sync"
	"time"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/epbucket/durability"
	"github.com/erigontech/epbucket/epkverrors"
	"github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/kv"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// Request is one accepted mutation (spec.md §4.1 "set/add/replace/delete").
type Request struct {
	Key        []byte
	Collection uint32
	Value      []byte
	Cas        common.CAS // checked by set/replace/delete when non-zero; ignored by add
	Datatype   checkpoint.Datatype
	Flags      uint32
	Expiry     time.Time
	Durability *checkpoint.Durability // nil => classic CAS-checked mutation
}

// Config bounds a VBucket's runtime behavior.
type Config struct {
	ServerDefaultTimeout time.Duration
	EphemeralBucket      bool // ephemeral buckets reject persistence-requiring levels
}

func DefaultConfig() Config {
	return Config{ServerDefaultTimeout: 2500 * time.Millisecond}
}

// VBucket is the single-shard owner of one vBucket's live state (component
// C5, spec.md §4.1): the hash tables of the two key spaces, seqno/CAS
// generation, collection item counts, and the glue between CheckpointManager
// and DurabilityMonitor.
type VBucket struct {
	mu  sync.Mutex
	log log.Logger
	cfg Config

	id        uint16
	localNode string
	status    kv.VBucketStatus
	topology  common.Topology

	hlc *common.HLC

	highSeqno          uint64
	highPreparedSeqno  uint64
	highCompletedSeqno uint64
	maxCas             common.CAS
	purgeSeqno         uint64
	maxVisibleSeqno    uint64
	failoverTable      []kv.FailoverEntry

	collectionCounts map[uint32]int64
	diskCounts       map[uint32]int64

	committed *HashTable
	prepared  *HashTable

	mgr     *checkpoint.Manager
	active  *durability.Active
	passive *durability.Passive

	// pendingByKey maps a prepared-space composite key to the cookie
	// created when its Prepare was accepted, so Commit/Abort (driven by
	// durability.Resolution) can find it again.
	pendingByKey map[string]*durability.PendingCookie
}

// New constructs an Active VBucket (the common creation path: a freshly
// created vBucket starts Active with the given topology).
func New(id uint16, localNode string, topology common.Topology, cfg Config, mgr *checkpoint.Manager, logger log.Logger) *VBucket {
	l := logger.New("component", "vbucket", "vbid", id)
	vb := &VBucket{
		log:              l,
		cfg:              cfg,
		id:               id,
		localNode:        localNode,
		status:           kv.VBucketActive,
		topology:         topology,
		hlc:              common.NewHLC(),
		collectionCounts: map[uint32]int64{},
		diskCounts:       map[uint32]int64{},
		committed:        NewHashTable(),
		prepared:         NewHashTable(),
		mgr:              mgr,
		pendingByKey:     map[string]*durability.PendingCookie{},
	}
	vb.active = durability.NewActive(localNode, topology, l)
	return vb
}

func (vb *VBucket) ID() uint16                 { return vb.id }
func (vb *VBucket) Status() kv.VBucketStatus    { return vb.status }
func (vb *VBucket) Topology() common.Topology   { return vb.topology }
func (vb *VBucket) HighSeqno() uint64           { return vb.highSeqno }
func (vb *VBucket) HighPreparedSeqno() uint64   { return vb.highPreparedSeqno }
func (vb *VBucket) HighCompletedSeqno() uint64  { return vb.highCompletedSeqno }
func (vb *VBucket) CollectionCount(c uint32) int64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.collectionCounts[c]
}

// VBucketID satisfies flusher.VBucketSource.
func (vb *VBucket) VBucketID() uint16 { return vb.id }

// Manager exposes the CheckpointManager for the Flusher's persistence
// cursor and the Remover's reclamation sweep.
func (vb *VBucket) Manager() *checkpoint.Manager { return vb.mgr }

// StateSnapshot builds the vbucket_state record the Flusher persists
// alongside a batch (spec.md §4.4 step 2). The Flusher may raise the
// seqno fields further to reflect the batch it is about to commit.
func (vb *VBucket) StateSnapshot() kv.VBucketState {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return kv.VBucketState{
		State:              vb.status,
		Topology:           vb.topology,
		HighSeqno:          vb.highSeqno,
		HighPreparedSeqno:  vb.highPreparedSeqno,
		HighCompletedSeqno: vb.highCompletedSeqno,
		MaxCas:             vb.maxCas,
		FailoverTable:      append([]kv.FailoverEntry(nil), vb.failoverTable...),
		PurgeSeqno:         vb.purgeSeqno,
		MaxVisibleSeqno:    vb.maxVisibleSeqno,
		CheckpointID:       vb.mgr.OpenCheckpointID(),
	}
}

// AdjustDiskCount updates the on-disk collection item count the Flusher
// maintains separately from the in-memory counters used for numeric
// semantics (spec.md §4.4 step 3).
func (vb *VBucket) AdjustDiskCount(collection uint32, delta int64) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.diskCounts[collection] += delta
}

// DiskCount reports the persisted item count for a collection.
func (vb *VBucket) DiskCount(collection uint32) int64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.diskCounts[collection]
}

func (vb *VBucket) nextSeqnoLocked() uint64 {
	vb.highSeqno++
	return vb.highSeqno
}

// Set performs a classic or durable upsert (spec.md §4.1 "set").
func (vb *VBucket) Set(req Request) (*durability.PendingCookie, error) {
	return vb.mutate(req, opSet)
}

// Add performs a durable or classic insert-only mutation; fails with
// KeyExists if a live, non-deleted committed value is already present.
func (vb *VBucket) Add(req Request) (*durability.PendingCookie, error) {
	return vb.mutate(req, opAdd)
}

// Replace requires an existing committed value and, when req.Cas is
// non-zero, a matching CAS.
func (vb *VBucket) Replace(req Request) (*durability.PendingCookie, error) {
	return vb.mutate(req, opReplace)
}

// Delete requires an existing committed value and, when req.Cas is
// non-zero, a matching CAS.
func (vb *VBucket) Delete(req Request) (*durability.PendingCookie, error) {
	req.Value = nil
	return vb.mutate(req, opDelete)
}

type opKind uint8

const (
	opSet opKind = iota
	opAdd
	opReplace
	opDelete
)

func (vb *VBucket) mutate(req Request, op opKind) (*durability.PendingCookie, error) {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	if vb.status != kv.VBucketActive {
		return nil, epkverrors.New(epkverrors.KindNotMyVBucket, "vbucket %d is %s", vb.id, vb.status)
	}

	if sv, exists := vb.prepared.Get(req.Collection, req.Key); exists {
		if sv.Recommitting {
			return nil, epkverrors.New(epkverrors.KindSyncWriteReCommitInProgress, "key's prepare is being recommitted after takeover")
		}
		return nil, epkverrors.New(epkverrors.KindSyncWriteInProgress, "key has an outstanding prepare")
	}

	existing, hasExisting := vb.committed.Get(req.Collection, req.Key)
	liveExisting := hasExisting && !existing.Deleted

	switch op {
	case opAdd:
		if liveExisting {
			return nil, epkverrors.New(epkverrors.KindKeyExists, "key exists")
		}
	case opReplace, opDelete:
		if !liveExisting {
			return nil, epkverrors.New(epkverrors.KindKeyNotFound, "key not found")
		}
		if req.Cas != 0 && req.Cas != existing.CAS {
			return nil, epkverrors.New(epkverrors.KindCasMismatch, "cas mismatch")
		}
	case opSet:
		if req.Cas != 0 {
			if !hasExisting {
				return nil, epkverrors.New(epkverrors.KindKeyNotFound, "key not found")
			}
			if req.Cas != existing.CAS {
				return nil, epkverrors.New(epkverrors.KindCasMismatch, "cas mismatch")
			}
		}
	}

	if req.Durability != nil {
		if err := vb.validateDurabilityLocked(*req.Durability); err != nil {
			return nil, err
		}
		return vb.acceptPrepareLocked(req, op == opDelete)
	}

	return nil, vb.acceptClassicLocked(req, op == opDelete)
}

func (vb *VBucket) validateDurabilityLocked(d checkpoint.Durability) error {
	if vb.topology.Size() > 3 {
		return epkverrors.New(epkverrors.KindDurabilityImpossible, "topology chain too long")
	}
	if vb.cfg.EphemeralBucket && (d.Level == common.LevelPersistToMajority || d.Level == common.LevelMajorityAndPersistOnMaster) {
		return epkverrors.New(epkverrors.KindDurabilityInvalidLevel, "ephemeral bucket cannot accept level %s", d.Level)
	}
	if vb.active == nil {
		return epkverrors.New(epkverrors.KindTemporaryFailure, "vbucket is not currently active")
	}
	return nil
}

// acceptClassicLocked performs a non-durable mutation: it commits
// immediately, with no Prepare involved.
func (vb *VBucket) acceptClassicLocked(req Request, deleted bool) error {
	seqno := vb.nextSeqnoLocked()
	cas := vb.hlc.Next()
	vb.maxCas = cas

	sv := &StoredValue{Key: req.Key, Collection: req.Collection, Value: req.Value, Datatype: req.Datatype, Expiry: req.Expiry, CAS: cas, BySeqno: seqno, Deleted: deleted}
	prevDeleted := true
	if existing, ok := vb.committed.Get(req.Collection, req.Key); ok {
		prevDeleted = existing.Deleted
	}
	vb.committed.Set(sv)
	vb.adjustCollectionCountLocked(req.Collection, prevDeleted, deleted)

	op := checkpoint.OpMutation
	if deleted {
		op = checkpoint.OpDeletion
	}
	storedValue, storedDatatype := checkpoint.CompressForStorage(req.Value, req.Datatype)
	item := &checkpoint.Item{
		Key: req.Key, Collection: checkpoint.CollectionID(req.Collection), Value: storedValue,
		Datatype: storedDatatype, Flags: req.Flags, Expiry: req.Expiry, CAS: cas, BySeqno: seqno,
		Op: op, State: checkpoint.CommittedViaMutation, Deleted: deleted,
	}
	if deleted {
		item.ExpiryOrDeletionTime = time.Now()
	}
	vb.mgr.Enqueue(item)
	return nil
}

// acceptPrepareLocked creates a Prepare: a prepared-space entry, a tracked
// Prepare on the Active DurabilityMonitor, and a cookie the caller parks on
// (spec.md §4.1 "On Prepare accepted: returns WouldBlock").
func (vb *VBucket) acceptPrepareLocked(req Request, deleted bool) (*durability.PendingCookie, error) {
	seqno := vb.nextSeqnoLocked()
	cas := vb.hlc.Next()
	vb.maxCas = cas
	vb.highPreparedSeqno = seqno

	sv := &StoredValue{Key: req.Key, Collection: req.Collection, Value: req.Value, Datatype: req.Datatype, Expiry: req.Expiry, CAS: cas, BySeqno: seqno, Deleted: deleted, PendingCommitted: deleted}
	vb.prepared.Set(sv)

	storedValue, storedDatatype := checkpoint.CompressForStorage(req.Value, req.Datatype)
	item := &checkpoint.Item{
		Key: req.Key, Collection: checkpoint.CollectionID(req.Collection), Value: storedValue,
		Datatype: storedDatatype, Flags: req.Flags, CAS: cas, BySeqno: seqno,
		Op: checkpoint.OpPendingSyncWrite, State: checkpoint.Pending, Deleted: deleted,
		Durability: &checkpoint.Durability{Level: req.Durability.Level, Timeout: req.Durability.Timeout},
	}
	if deleted {
		item.ExpiryOrDeletionTime = time.Now()
	}
	vb.mgr.Enqueue(item)

	cookie := durability.NewPendingCookie()
	vb.pendingByKey[compositeKey(req.Collection, req.Key)] = cookie

	deadline, infinite := req.Durability.Timeout.Resolve(time.Now(), vb.cfg.ServerDefaultTimeout)
	if infinite {
		deadline = time.Time{}
	}
	if err := vb.active.Track(seqno, string(req.Key), req.Collection, req.Durability.Level, deadline, cookie); err != nil {
		delete(vb.pendingByKey, compositeKey(req.Collection, req.Key))
		vb.prepared.Delete(req.Collection, req.Key)
		return nil, err
	}
	return cookie, epkverrors.New(epkverrors.KindWouldBlock, "durable write pending")
}

// Commit completes an outstanding Prepare (spec.md §4.1 "commit"), normally
// invoked by the Passive path when an explicit Commit arrives from the
// Active, or directly by a test harness driving the state machine without
// a DurabilityMonitor in the loop.
func (vb *VBucket) Commit(collection uint32, key []byte, prepareSeqno uint64, commitSeqno uint64) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.resolvePreparedLocked(collection, key, prepareSeqno, commitSeqno, true)
}

// Abort completes an outstanding Prepare with a negative outcome.
func (vb *VBucket) Abort(collection uint32, key []byte, prepareSeqno uint64, abortSeqno uint64) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.resolvePreparedLocked(collection, key, prepareSeqno, abortSeqno, false)
}

func (vb *VBucket) resolvePreparedLocked(collection uint32, key []byte, prepareSeqno, resolveSeqno uint64, committed bool) error {
	sv, ok := vb.prepared.Get(collection, key)
	if !ok || sv.BySeqno != prepareSeqno {
		return epkverrors.New(epkverrors.KindKeyNotFound, "no outstanding prepare at seqno %d", prepareSeqno)
	}
	vb.prepared.Delete(collection, key)

	seqno := resolveSeqno
	if seqno == 0 {
		seqno = vb.nextSeqnoLocked()
	}
	vb.highCompletedSeqno = seqno

	op := checkpoint.OpAbortSyncWrite
	state := checkpoint.PrepareAborted
	item := &checkpoint.Item{Key: key, Collection: checkpoint.CollectionID(collection), CAS: sv.CAS, BySeqno: seqno, PrepareSeqno: prepareSeqno, Deleted: sv.Deleted}
	if committed {
		op = checkpoint.OpCommitSyncWrite
		state = checkpoint.PrepareCommitted
		prevDeleted := true
		if existing, ok := vb.committed.Get(collection, key); ok {
			prevDeleted = existing.Deleted
		}
		storedValue, storedDatatype := checkpoint.CompressForStorage(sv.Value, sv.Datatype)
		item.Value = storedValue
		item.Datatype = storedDatatype
		if !sv.Deleted {
			item.Expiry = sv.Expiry
		}
		committedSV := &StoredValue{Key: key, Collection: collection, Value: sv.Value, Datatype: sv.Datatype, Expiry: sv.Expiry, CAS: sv.CAS, BySeqno: sv.BySeqno, Deleted: sv.Deleted}
		vb.committed.Set(committedSV)
		vb.adjustCollectionCountLocked(collection, prevDeleted, sv.Deleted)
	}
	item.Op = op
	item.State = state
	vb.mgr.Enqueue(item)

	if cookie, ok := vb.pendingByKey[compositeKey(collection, key)]; ok {
		delete(vb.pendingByKey, compositeKey(collection, key))
		kind := epkverrors.KindSyncWriteAmbiguous
		if committed {
			kind = epkverrors.KindSuccess
		}
		cookie.Notify(durability.Outcome{Kind: kind, Seqno: seqno})
	}
	return nil
}

// SeqnoAcknowledged records a replica's ack and resolves any Prepares that
// become committable (spec.md §4.1 "seqnoAcknowledged").
func (vb *VBucket) SeqnoAcknowledged(replica string, preparedSeqno uint64) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.active == nil {
		return epkverrors.New(epkverrors.KindNotMyVBucket, "vbucket %d is not active", vb.id)
	}
	resolutions := vb.active.SeqnoAck(replica, preparedSeqno)
	for _, r := range resolutions {
		vb.applyResolutionLocked(r)
	}
	return nil
}

// NotifyPersistedSeqno is called by the Flusher after a successful flush;
// on Active it may satisfy PersistToMajority/MajorityAndPersistOnMaster
// Prepares (spec.md §4.1 "notifyPersistedSeqno").
func (vb *VBucket) NotifyPersistedSeqno(seqno uint64) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.active != nil {
		for _, r := range vb.active.PersistedUpTo(seqno) {
			vb.applyResolutionLocked(r)
		}
	}
	if vb.passive != nil {
		vb.passive.MarkLocallyPersisted(seqno)
	}
}

// ActiveMonitor exposes the Active DurabilityMonitor as a
// durability.ActiveSource for a DurabilityTimeoutTask to drive, ok is false
// while no Active monitor is installed (after a demotion from Active). A
// vBucket set Dead from Active keeps its monitor, emptied by AbortAll.
func (vb *VBucket) ActiveMonitor() (durability.ActiveSource, bool) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.active == nil {
		return nil, false
	}
	return vb.active, true
}

// ApplyResolution applies a Resolution a DurabilityTimeoutTask obtained from
// this vBucket's Active monitor via Tick.
func (vb *VBucket) ApplyResolution(r durability.Resolution) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.applyResolutionLocked(r)
}

// applyResolutionLocked turns a DurabilityMonitor Resolution into the
// CommitSyncWrite/AbortSyncWrite QueuedItem and cookie notification (spec.md
// §4.1 "observable side effects"). Caller must already hold vb.mu.
func (vb *VBucket) applyResolutionLocked(r durability.Resolution) {
	seqno := vb.nextSeqnoLocked()
	vb.highCompletedSeqno = seqno

	op := checkpoint.OpAbortSyncWrite
	state := checkpoint.PrepareAborted
	key := []byte(r.Key)
	item := &checkpoint.Item{Key: key, Collection: checkpoint.CollectionID(r.Collection), BySeqno: seqno, PrepareSeqno: r.BySeqno}
	if sv, ok := vb.prepared.Get(r.Collection, key); ok {
		item.Deleted = sv.Deleted
		if r.Committed {
			op = checkpoint.OpCommitSyncWrite
			state = checkpoint.PrepareCommitted
			prevDeleted := true
			if existing, ok := vb.committed.Get(r.Collection, key); ok {
				prevDeleted = existing.Deleted
			}
			storedValue, storedDatatype := checkpoint.CompressForStorage(sv.Value, sv.Datatype)
			item.Value = storedValue
			item.Datatype = storedDatatype
			if !sv.Deleted {
				item.Expiry = sv.Expiry
			}
			vb.committed.Set(&StoredValue{Key: key, Collection: r.Collection, Value: sv.Value, Datatype: sv.Datatype, Expiry: sv.Expiry, CAS: sv.CAS, BySeqno: sv.BySeqno, Deleted: sv.Deleted})
			vb.adjustCollectionCountLocked(r.Collection, prevDeleted, sv.Deleted)
		}
		vb.prepared.Delete(r.Collection, key)
	}
	item.Op = op
	item.State = state
	vb.mgr.Enqueue(item)

	ck := compositeKey(r.Collection, key)
	if cookie, ok := vb.pendingByKey[ck]; ok {
		delete(vb.pendingByKey, ck)
		kind := epkverrors.KindSyncWriteAmbiguous
		if r.Committed {
			kind = epkverrors.KindSuccess
		}
		cookie.Notify(durability.Outcome{Kind: kind, Seqno: seqno})
	}
}

func (vb *VBucket) adjustCollectionCountLocked(collection uint32, wasDeletedOrAbsent, isDeleted bool) {
	switch {
	case wasDeletedOrAbsent && !isDeleted:
		vb.collectionCounts[collection]++
	case !wasDeletedOrAbsent && isDeleted:
		vb.collectionCounts[collection]--
	}
}
