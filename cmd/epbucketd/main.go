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

// Command epbucketd runs a durable key-value bucket: the vBucket durability
// pipeline (DurabilityMonitor, CheckpointManager, Flusher, CheckpointRemover)
// behind a single RuntimeContext.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erigontech/epbucket/bucket"
	log "github.com/erigontech/erigon-lib/log/v3"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "epbucketd",
		Short: "a durable key-value bucket engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML bucket config (defaults built in if omitted)")

	root.AddCommand(serveCmd(), statsCmd(), compactCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRuntime() (*bucket.RuntimeContext, error) {
	cfg := bucket.DefaultConfig()
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		cfg, err = bucket.LoadConfig(f)
		if err != nil {
			return nil, err
		}
	}
	return bucket.NewRuntimeContext(cfg, log.Root())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the bucket's background durability pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rc.Stop()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Root().Info("[epbucketd] serving")
			return rc.Run(ctx)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print the checkpoint and flusher stats snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rc.Stop()

			st := rc.Bucket.Stats()
			fmt.Printf("flusher: batches=%d items=%d failures=%d\n", st.Flusher.BatchesFlushed, st.Flusher.ItemsFlushed, st.Flusher.FlushFailures)
			fmt.Printf("pending destruction bytes: %d\n", st.PendingDestructionBytes)
			for vbid, cp := range st.Checkpoints {
				fmt.Printf("vbucket %d: checkpoints=%d items=%d cursors=%d\n", vbid, cp.NumCheckpoints, cp.NumItems, cp.NumRegisteredCursors)
			}
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	var vbid uint16
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "run one CheckpointRemover reclamation sweep over the vBuckets of the bucket built from the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rc.Stop()

			freed := rc.Bucket.ReclaimSweep(context.Background())
			fmt.Printf("reclaimed %d bytes\n", freed)
			return nil
		},
	}
	cmd.Flags().Uint16Var(&vbid, "vbucket", 0, "restrict the sweep to a single vBucket (currently informational; the sweep is bucket-wide)")
	return cmd
}
