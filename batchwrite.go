package batchwrite

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/codec"
	"github.com/batchwrite/coordinator/internal/conflict"
	"github.com/batchwrite/coordinator/internal/dataset"
	"github.com/batchwrite/coordinator/internal/dedup"
	"github.com/batchwrite/coordinator/internal/handle"
	"github.com/batchwrite/coordinator/internal/kvclient"
	"github.com/batchwrite/coordinator/internal/kvexpand"
	"github.com/batchwrite/coordinator/internal/merge"
	"github.com/batchwrite/coordinator/internal/normalize"
	"github.com/batchwrite/coordinator/internal/partition"
	"github.com/batchwrite/coordinator/internal/pdclient"
	"github.com/batchwrite/coordinator/internal/rowset"
	"github.com/batchwrite/coordinator/internal/tablelock"
	"github.com/batchwrite/coordinator/internal/txn"
	"github.com/batchwrite/coordinator/internal/wire"
)

// Target identifies the table a write commits into.
type Target struct {
	Database string
	Table    string
}

// Options mirrors spec.md §6's per-write option table field-for-field.
type Options struct {
	Replace                bool
	UseTableLock           bool
	OverrideTableLock      bool // proceed without a lock if the store doesn't support one
	EnableRegionSplit      bool
	RegionSplitNum         int
	WriteConcurrency       int
	SnapshotBatchGetSize   int
	SkipCommitSecondaryKey bool
	TTLUpdateEnabled       bool
	LockTTLSeconds         uint64
	SideChannelURL         string

	IsTest                         bool
	IsTTLUpdate                    bool
	SleepAfterPrewritePrimaryKey   time.Duration
	SleepAfterPrewriteSecondaryKey time.Duration
	SleepAfterGetCommitTS          time.Duration
}

// Coordinator bundles the external services Write needs: the catalog,
// the Placement Driver, and a factory for the KV store's transactional
// RPC client. One Coordinator is typically built once per process and
// reused across Write calls.
type Coordinator struct {
	Meta catalog.Client
	PD   pdclient.Client
	KV   kvclient.Factory
}

// Write commits ds into db.table atomically, following the percolator-
// style two-phase commit sequence in spec.md §4.8: encode, detect
// conflicts against a startTs snapshot, merge inserts over deletes,
// partition by region, then run the 2PC driver. It is this package's
// sole public entry point.
func (c *Coordinator) Write(ctx context.Context, ds *dataset.Dataset, target Target, opts Options) error {
	table, err := c.Meta.GetTable(ctx, target.Database, target.Table)
	if err != nil {
		return errors.Trace(err)
	}
	if table.Partitioned {
		return errors.Trace(bwerrors.ErrTablePartitioned)
	}
	if table.HasGeneratedColumn() {
		return errors.Trace(bwerrors.ErrGeneratedColumn)
	}

	startTs, err := c.PD.GetTS(ctx)
	if err != nil {
		return errors.Annotate(err, "batchwrite: failed to acquire start timestamp")
	}

	var sideChannel *tablelock.SideChannel
	if opts.UseTableLock && opts.SideChannelURL != "" {
		sc, lockErr := c.acquireTableLock(ctx, opts, target)
		if lockErr != nil {
			return errors.Trace(lockErr)
		}
		sideChannel = sc
	}
	if sideChannel != nil {
		defer func() {
			if err := sideChannel.Close(); err != nil {
				log.Warn("[batchwrite] failed to close side channel", zap.Error(err))
			}
		}()
	}

	partitioned, err := c.encode(ctx, table, ds, startTs, opts)
	if err != nil {
		return errors.Trace(err)
	}

	driver := &txn.Driver{
		KV:                             c.KV,
		PD:                             c.PD,
		Meta:                           c.Meta,
		WriteConcurrency:               opts.WriteConcurrency,
		LockTTLSeconds:                 opts.LockTTLSeconds,
		TTLUpdateEnabled:               opts.TTLUpdateEnabled,
		SkipCommitSecondaryKey:         opts.SkipCommitSecondaryKey,
		IsTest:                         opts.IsTest,
		SleepAfterPrewritePrimaryKey:   opts.SleepAfterPrewritePrimaryKey,
		SleepAfterPrewriteSecondaryKey: opts.SleepAfterPrewriteSecondaryKey,
		SleepAfterGetCommitTS:          opts.SleepAfterGetCommitTS,
	}
	if sideChannel != nil {
		driver.SideChannel = sideChannel
		driver.ReleaseTableLock = sideChannel.Unlock
	}

	txnTarget := txn.Target{Database: target.Database, Table: target.Table}
	if err := driver.Commit(ctx, txnTarget, table, uint64(startTs), partitioned); err != nil {
		return errors.Trace(err)
	}

	if opts.EnableRegionSplit {
		c.planAndApplySplit(ctx, table, partitioned, opts)
	}
	return nil
}

func (c *Coordinator) acquireTableLock(ctx context.Context, opts Options, target Target) (*tablelock.SideChannel, error) {
	sc, err := tablelock.Dial(ctx, opts.SideChannelURL)
	if err != nil {
		return nil, errors.Trace(tablelock.RequireOrFail(opts.UseTableLock, opts.OverrideTableLock, err))
	}
	if err := sc.Lock(ctx, target.Database, target.Table); err != nil {
		closeErr := sc.Close()
		if lockErr := tablelock.RequireOrFail(opts.UseTableLock, opts.OverrideTableLock, err); lockErr != nil {
			return nil, errors.Trace(lockErr)
		}
		if closeErr != nil {
			log.Warn("[batchwrite] failed to close side channel after lock failure", zap.Error(closeErr))
		}
		return nil, nil
	}
	return sc, nil
}

// encode runs C2–C7: normalize, assign handles, dedup, resolve conflicts
// against the startTs snapshot, expand to KVs, merge inserts over
// deletes, and partition by owning region.
func (c *Coordinator) encode(ctx context.Context, table *catalog.TableInfo, ds *dataset.Dataset, startTs int64, opts Options) (*partitionedRouter, error) {
	normalizer := &normalize.Normalizer{Table: table, IDs: &handle.Allocator{Meta: c.Meta}}
	rows, err := normalizer.Normalize(ctx, ds)
	if err != nil {
		return nil, errors.Trace(err)
	}

	wrapped, err := rowset.AssignHandles(ctx, table, &handle.Allocator{Meta: c.Meta}, rows)
	if err != nil {
		return nil, errors.Trace(err)
	}

	wrapped, err = dedup.Dedup(table, wrapped)
	if err != nil {
		return nil, errors.Trace(err)
	}

	kvClient, err := c.KV.NewClient(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "batchwrite: failed to create kv client for conflict snapshot")
	}
	defer kvClient.Close()

	resolver := &conflict.Resolver{
		Table:     table,
		Snapshot:  kvClient.Snapshot(startTs),
		BatchSize: opts.SnapshotBatchGetSize,
		Replace:   opts.Replace,
	}
	oldRows, err := resolver.Resolve(ctx, wrapped)
	if err != nil {
		return nil, errors.Trace(err)
	}

	puts, err := expandAll(table, wrapped, kvexpand.ModePut)
	if err != nil {
		return nil, errors.Trace(err)
	}
	oldWrapped := make([]rowset.WrappedRow, len(oldRows))
	for i, o := range oldRows {
		oldWrapped[i] = o.Row
	}
	deletes, err := expandAll(table, oldWrapped, kvexpand.ModeDelete)
	if err != nil {
		return nil, errors.Trace(err)
	}

	merged := merge.Merge(puts, deletes)

	regions, err := c.PD.GetRegionsByTable(ctx, table.TableID)
	if err != nil {
		return nil, errors.Annotate(err, "batchwrite: failed to fetch table regions")
	}
	router := partition.NewRouter(regions, opts.WriteConcurrency)
	routed, err := router.Partition(merged)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &partitionedRouter{cached: routed}, nil
}

func expandAll(table *catalog.TableInfo, rows []rowset.WrappedRow, mode kvexpand.Mode) ([]wire.KVPair, error) {
	var out []wire.KVPair
	for _, r := range rows {
		kvs, err := kvexpand.Expand(table, r.Row, r.Handle, mode)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, kvs...)
	}
	return out, nil
}

// partitionedRouter adapts the already-routed KV batches into the
// txn.Partitioned contract: a stable view the 2PC driver can walk twice
// (once for prewrite, once for commit) without re-partitioning.
type partitionedRouter struct {
	cached [][]wire.KVPair
}

func (p *partitionedRouter) Partitions() [][]wire.KVPair {
	return p.cached
}

func (c *Coordinator) planAndApplySplit(ctx context.Context, table *catalog.TableInfo, partitioned *partitionedRouter, opts Options) {
	parts := partitioned.Partitions()
	var minHandle, maxHandle int64
	first := true
	indexKeys := make(map[int64][][]byte, len(table.Indices))
	for _, part := range parts {
		for _, kv := range part {
			switch {
			case codec.IsRowKey(kv.Key):
				h, err := codec.DecodeHandleFromRowKey(kv.Key)
				if err != nil {
					continue
				}
				if first || h < minHandle {
					minHandle = h
				}
				if first || h > maxHandle {
					maxHandle = h
				}
				first = false
			case codec.IsIndexKey(kv.Key):
				idxID, err := codec.DecodeIndexIDFromKey(kv.Key)
				if err != nil {
					continue
				}
				indexKeys[idxID] = append(indexKeys[idxID], kv.Key)
			}
		}
	}
	if first && len(indexKeys) == 0 {
		return
	}

	hints := tablelock.Plan(table, minHandle, maxHandle, opts.RegionSplitNum,
		func(h int64) []byte { return codec.EncodeRowKey(table.TableID, h) },
		func(idx catalog.IndexInfo) [][]byte { return indexKeys[idx.ID] })

	if err := tablelock.Apply(ctx, c.PD, hints, opts.IsTest); err != nil {
		log.Warn("[batchwrite] region split hints failed", zap.Error(err))
	}
}
