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
	"context"
	"fmt"
	"io"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/erigontech/epbucket/checkpoint"
	"github.com/erigontech/epbucket/durability"
	"github.com/erigontech/epbucket/flusher"
	"github.com/erigontech/epbucket/vbucket"
	"github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/kv/mdbxstore"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// VBucketConfig seeds one statically-configured vBucket at startup
// (production topology changes arrive later over the cluster-management
// transport, out of this module's scope).
type VBucketConfig struct {
	ID       uint16   `yaml:"id"`
	Active   string   `yaml:"active"`
	Replicas []string `yaml:"replicas"`
}

// CheckpointConfig is the YAML-facing mirror of checkpoint.Config.
type CheckpointConfig struct {
	MaxItemsPerCheckpoint int  `yaml:"maxItemsPerCheckpoint"`
	Eager                 bool `yaml:"eager"`
}

// FlusherConfig is the YAML-facing mirror of flusher.Config; durations are
// decoded by time.ParseDuration via yaml.v3's native time.Duration support.
type FlusherConfig struct {
	BatchSize    int           `yaml:"batchSize"`
	RetryInitial time.Duration `yaml:"retryInitial"`
	RetryMax     time.Duration `yaml:"retryMax"`
}

// DurabilityConfig bounds the DurabilityTimeoutTask sweep and the default
// deadline applied to a Prepare whose caller asked for TimeoutServerDefault.
type DurabilityConfig struct {
	ServerDefaultTimeout time.Duration `yaml:"serverDefaultTimeout"`
	SweepInterval        time.Duration `yaml:"sweepInterval"`
}

// Config is the top-level RuntimeContext configuration, decoded from YAML
// the way the teacher's own node config decodes with gopkg.in/yaml.v3.
// Memory sizes are written as human-readable strings ("4GB", "512MB") and
// parsed with github.com/c2h5oh/datasize, matching the domain-stack
// "memory budgets" row.
type Config struct {
	LocalNode string `yaml:"localNode"`

	// Kind selects the Bucket backend: "persistent" (MDBX-backed) or
	// "ephemeral" (memory-only).
	Kind string `yaml:"kind"`

	DataDir      string            `yaml:"dataDir"`
	MapSize      datasize.ByteSize `yaml:"mapSize"`
	CacheEntries int               `yaml:"cacheEntries"`
	MemoryBudget datasize.ByteSize `yaml:"memoryBudget"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Flusher    FlusherConfig    `yaml:"flusher"`
	Durability DurabilityConfig `yaml:"durability"`

	FlusherInterval time.Duration `yaml:"flusherInterval"`
	RemoverInterval time.Duration `yaml:"removerInterval"`

	VBuckets []VBucketConfig `yaml:"vbuckets"`
}

// DefaultConfig returns sane values for every field LoadConfig's YAML
// document is allowed to omit.
func DefaultConfig() Config {
	return Config{
		Kind:         "ephemeral",
		MapSize:      4 * datasize.GB,
		CacheEntries: 10_000,
		MemoryBudget: 256 * datasize.MB,
		Checkpoint:   CheckpointConfig{MaxItemsPerCheckpoint: 500, Eager: true},
		Flusher:      FlusherConfig{BatchSize: 250, RetryInitial: 50 * time.Millisecond, RetryMax: 5 * time.Second},
		Durability:   DurabilityConfig{ServerDefaultTimeout: 2500 * time.Millisecond, SweepInterval: 100 * time.Millisecond},

		FlusherInterval: 50 * time.Millisecond,
		RemoverInterval: time.Second,
	}
}

// LoadConfig decodes a YAML document into a Config seeded with
// DefaultConfig's values, so a document only needs to set what it wants to
// override.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("bucket: decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) checkpointConfig() checkpoint.Config {
	return checkpoint.Config{MaxItemsPerCheckpoint: c.Checkpoint.MaxItemsPerCheckpoint, Eager: c.Checkpoint.Eager}
}

func (c Config) flusherConfig() flusher.Config {
	return flusher.Config{BatchSize: c.Flusher.BatchSize, RetryInitial: c.Flusher.RetryInitial, RetryMax: c.Flusher.RetryMax}
}

// RuntimeContext is the re-architected replacement for global mutable
// engine/bucket-manager state (spec.md §9): one struct holding the Bucket,
// its background tasks, and the config they were built from, passed by
// reference everywhere a server process needs it instead of reached for
// through package-level globals.
type RuntimeContext struct {
	cfg    Config
	log    log.Logger
	Bucket Bucket

	durabilityTask *durability.Task
	cancel         context.CancelFunc
}

// NewRuntimeContext builds the configured Bucket backend, seeds its
// vBuckets from cfg.VBuckets, and wires a DurabilityTimeoutTask across all
// of them. It does not start the background loops; call Run for that.
func NewRuntimeContext(cfg Config, logger log.Logger) (*RuntimeContext, error) {
	rc := &RuntimeContext{cfg: cfg, log: logger.New("component", "runtime")}

	switch cfg.Kind {
	case "persistent":
		b, err := NewPersistent(PersistentConfig{
			Store:        mdbxstore.Config{Path: cfg.DataDir, MapSize: int64(cfg.MapSize), CacheEntries: cfg.CacheEntries},
			Checkpoint:   cfg.checkpointConfig(),
			VBucket:      vbucket.Config{ServerDefaultTimeout: cfg.Durability.ServerDefaultTimeout},
			Flusher:      cfg.flusherConfig(),
			MemoryBudget: int64(cfg.MemoryBudget),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("bucket: open persistent store: %w", err)
		}
		rc.Bucket = b
	case "ephemeral", "":
		rc.Bucket = NewEphemeral(EphemeralConfig{
			Checkpoint:   cfg.checkpointConfig(),
			Flusher:      cfg.flusherConfig(),
			MemoryBudget: int64(cfg.MemoryBudget),
		}, logger)
	default:
		return nil, fmt.Errorf("bucket: unknown kind %q", cfg.Kind)
	}

	for _, vbc := range cfg.VBuckets {
		topo := common.Topology{Active: vbc.Active, Replicas: vbc.Replicas}
		rc.Bucket.CreateVBucket(vbc.ID, cfg.LocalNode, topo)
	}

	rc.durabilityTask = durability.NewTask(
		durability.TimeoutConfig{SweepInterval: cfg.Durability.SweepInterval, NotifyPerSecond: 2000, NotifyBurst: 500},
		rc.resolveOne,
		logger,
	)
	if reg, ok := rc.Bucket.(durabilitySourceRegistrar); ok {
		reg.RegisterDurabilitySources(rc.durabilityTask)
	}

	return rc, nil
}

// durabilitySourceRegistrar is satisfied by both Persistent and Ephemeral
// through their embedded *base, without RuntimeContext needing to know
// which concrete Bucket it is holding.
type durabilitySourceRegistrar interface {
	RegisterDurabilitySources(*durability.Task)
}

func (rc *RuntimeContext) resolveOne(vbid uint16, r durability.Resolution) {
	vb, ok := rc.Bucket.VBucket(vbid)
	if !ok {
		return
	}
	vb.ApplyResolution(r)
}

// Run starts the Flusher sweep, the CheckpointRemover sweep, and the
// DurabilityTimeoutTask, all as one errgroup so a fatal error in any loop
// tears the others down via ctx cancellation — the same fan-out-with-shared-
// cancellation idiom the CheckpointRemover itself uses internally.
func (rc *RuntimeContext) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rc.durabilityTask.Run(ctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(rc.cfg.FlusherInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := rc.Bucket.FlushOnce(ctx); err != nil {
					rc.log.Warn("[runtime] flush cycle failed", "err", err)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(rc.cfg.RemoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				rc.Bucket.ReclaimSweep(ctx)
			}
		}
	})

	return g.Wait()
}

// Stop cancels every background loop started by Run and closes the Bucket.
func (rc *RuntimeContext) Stop() error {
	if rc.cancel != nil {
		rc.cancel()
	}
	return rc.Bucket.Close()
}
