// Package txn implements C8: the percolator-style two-phase commit
// driver. Primary prewrite, then secondary prewrite fan-out, then primary
// commit, then (best-effort) secondary commit fan-out, with a TTL
// keep-alive task covering the primary lock's lifetime and a
// schema-change guard before commit. Grounded on
// kv/transaction/commands/prewrite.go's lock/write separation and
// kv/transaction/commands/resolve.go's primary-then-secondary commit
// ordering, adapted from TinyKV's server-side handlers into a
// client-side coordinator that drives the same protocol over KVClient
// RPCs instead of a local MvccTxn.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/kvclient"
	"github.com/batchwrite/coordinator/internal/wire"
)

// Timing constants from spec.md §4.8. Names are kept semantic, not tied
// to any particular RPC library's backoff type.
const (
	MinDelayCleanTableLock                   = 60 * time.Second
	DelayCleanTableLockAndCommitBackoffDelta = 30 * time.Second
	PrimaryKeyCommitBackoff                  = MinDelayCleanTableLock - DelayCleanTableLockAndCommitBackoffDelta
	BatchPrewriteBackoff                     = 20 * time.Second

	// ttlHeartbeatSlack is how far ahead of TTL expiry the keep-alive loop
	// fires its next heartbeat.
	ttlHeartbeatSlack = 2 * time.Second
)

// Driver runs the 2PC protocol over a partitioned KV stream.
type Driver struct {
	KV               kvclient.Factory
	PD               PDClient
	Meta             SchemaChecker
	SideChannel      SideChannel // nil if table lock is not in use
	WriteConcurrency int

	// ReleaseTableLock, if set, is invoked once the primary is committed
	// and TTL keep-alive stopped (spec.md §4.8 step 14), before secondary
	// commits begin. Errors are logged, not propagated: the write is
	// already durable once the primary is committed.
	ReleaseTableLock func(ctx context.Context) error

	LockTTLSeconds         uint64
	TTLUpdateEnabled       bool
	SkipCommitSecondaryKey bool
	IsTest                 bool

	// test-only pauses, per spec.md §6's options table.
	SleepAfterPrewritePrimaryKey   time.Duration
	SleepAfterPrewriteSecondaryKey time.Duration
	SleepAfterGetCommitTS          time.Duration
}

// PDClient is the slice of the Placement Driver client the driver needs:
// timestamp acquisition.
type PDClient interface {
	GetTS(ctx context.Context) (int64, error)
}

// SchemaChecker re-reads a table descriptor to detect schema drift during
// prewrite.
type SchemaChecker interface {
	GetTable(ctx context.Context, db, table string) (*catalog.TableInfo, error)
}

// SideChannel is the narrow view of C9's SQL side-channel the driver
// needs: whether it's still open.
type SideChannel interface {
	Healthy() bool
}

// Partitioned is the shuffled, partitioned KV stream C7 produces. It must
// support being iterated twice (once for prewrite, once for commit) with
// the same element order, per spec.md §9's "cached so it can be iterated
// twice" requirement.
type Partitioned interface {
	// Partitions returns the per-partition KV batches, in a stable order.
	Partitions() [][]wire.KVPair
}

// Target identifies the table being written to, used only for the
// schema-change guard's re-read.
type Target struct {
	Database string
	Table    string
}

// Commit runs the full C8 sequence over an already-shuffled, partitioned
// KV stream and the table descriptor read before encoding began.
// startTs must already have been acquired (spec.md step 1 happens before
// encoding, outside this driver) and is passed in so the schema-change
// guard and prewrite calls share it.
func (d *Driver) Commit(ctx context.Context, target Target, table *catalog.TableInfo, startTs uint64, stream Partitioned) error {
	partitions := stream.Partitions()

	primary, secondaries, ok := splitPrimary(partitions)
	if !ok {
		log.Info("[batchwrite] empty write, nothing to commit")
		return nil
	}

	if err := d.prewritePrimary(ctx, primary, startTs); err != nil {
		return errors.Trace(err)
	}

	var stopTTL func()
	if d.TTLUpdateEnabled {
		stopTTL = d.startTTLKeepAlive(ctx, primary.Key, startTs)
	}
	return d.commitAfterPrimaryPrewrite(ctx, target, table, startTs, primary, secondaries, stopTTL)
}

func (d *Driver) commitAfterPrimaryPrewrite(ctx context.Context, target Target, table *catalog.TableInfo, startTs uint64, primary wire.KVPair, secondaries [][]wire.KVPair, stopTTL func()) error {
	if stopTTL != nil {
		// Safety net: if any step below returns early, the keep-alive loop
		// still gets torn down. stopTTL is idempotent, so the explicit
		// step-13 call after primary commit (below) does not double-stop.
		defer stopTTL()
	}

	if err := d.prewriteSecondaries(ctx, primary.Key, secondaries, startTs); err != nil {
		return errors.Trace(err)
	}

	commitTs, err := d.PD.GetTS(ctx)
	if err != nil {
		return errors.Annotate(err, "txn: failed to acquire commit timestamp")
	}
	if d.SleepAfterGetCommitTS > 0 {
		time.Sleep(d.SleepAfterGetCommitTS)
	}
	if uint64(commitTs) <= startTs {
		return errors.Trace(bwerrors.ErrCommitTSOrder)
	}

	tableLockHeld := d.SideChannel != nil
	if !tableLockHeld {
		fresh, err := d.Meta.GetTable(ctx, target.Database, target.Table)
		if err != nil {
			return errors.Annotate(err, "txn: schema-change guard failed to re-read table")
		}
		if fresh.UpdateTimestamp > table.UpdateTimestamp {
			return errors.Trace(bwerrors.ErrSchemaChanged)
		}
	}

	if d.SideChannel != nil && !d.SideChannel.Healthy() {
		return errors.Trace(bwerrors.ErrSideChannelClosed)
	}

	client, err := d.KV.NewClient(ctx)
	if err != nil {
		return errors.Annotate(err, "txn: failed to create kv client for primary commit")
	}
	defer client.Close()

	if err := client.CommitPrimary(ctx, PrimaryKeyCommitBackoff, primary.Key, startTs, uint64(commitTs)); err != nil {
		return errors.Annotate(err, "txn: primary commit failed")
	}

	if stopTTL != nil {
		stopTTL()
	}

	if d.ReleaseTableLock != nil {
		if err := d.ReleaseTableLock(ctx); err != nil {
			log.Warn("[batchwrite] failed to release table lock after commit", zap.Error(err))
		}
	}

	if !d.SkipCommitSecondaryKey {
		d.commitSecondaries(ctx, secondaries, startTs, uint64(commitTs))
	}
	return nil
}

func splitPrimary(partitions [][]wire.KVPair) (wire.KVPair, [][]wire.KVPair, bool) {
	for i, part := range partitions {
		if len(part) == 0 {
			continue
		}
		primary := part[0]
		rest := make([][]wire.KVPair, len(partitions))
		for j, p := range partitions {
			if j == i {
				rest[j] = p[1:]
			} else {
				rest[j] = p
			}
		}
		return primary, rest, true
	}
	return wire.KVPair{}, nil, false
}

func (d *Driver) prewritePrimary(ctx context.Context, primary wire.KVPair, startTs uint64) error {
	client, err := d.KV.NewClient(ctx)
	if err != nil {
		return errors.Annotate(err, "txn: failed to create kv client for primary prewrite")
	}
	defer client.Close()

	if err := client.PrewritePrimary(ctx, BatchPrewriteBackoff, primary.Key, primary.Value, startTs, d.lockTTLMillis()); err != nil {
		return errors.Annotate(err, "txn: primary prewrite failed")
	}
	if d.SleepAfterPrewritePrimaryKey > 0 {
		time.Sleep(d.SleepAfterPrewritePrimaryKey)
	}
	return nil
}

func (d *Driver) lockTTLMillis() uint64 {
	if d.LockTTLSeconds == 0 {
		return 3000
	}
	return d.LockTTLSeconds * 1000
}

// prewriteSecondaries fans the secondary partitions out, one KVClient per
// partition task, capped at WriteConcurrency. Every worker creates and
// closes its own client, per spec.md §5.
func (d *Driver) prewriteSecondaries(ctx context.Context, primaryKey []byte, secondaries [][]wire.KVPair, startTs uint64) error {
	return forEachPartition(ctx, secondaries, d.WriteConcurrency, func(ctx context.Context, part []wire.KVPair) error {
		if len(part) == 0 {
			return nil
		}
		client, err := d.KV.NewClient(ctx)
		if err != nil {
			return errors.Annotate(err, "txn: failed to create kv client for secondary prewrite")
		}
		defer client.Close()

		mutations := make([]kvclient.KVMutation, len(part))
		for i, kv := range part {
			mutations[i] = kvclient.KVMutation{Key: kv.Key, Value: kv.Value}
		}
		if err := client.PrewriteSecondaries(ctx, primaryKey, mutations, startTs, d.lockTTLMillis()); err != nil {
			return errors.Annotate(err, "txn: secondary prewrite failed")
		}
		if d.SleepAfterPrewriteSecondaryKey > 0 {
			time.Sleep(d.SleepAfterPrewriteSecondaryKey)
		}
		return nil
	})
}

// commitSecondaries commits every secondary partition best-effort: per
// spec.md §4.8 step 15, once the primary is committed, secondary commit
// failures are logged and swallowed rather than propagated. Test mode
// only raises the log level from warn to error; the failure is still not
// returned.
func (d *Driver) commitSecondaries(ctx context.Context, secondaries [][]wire.KVPair, startTs, commitTs uint64) {
	err := forEachPartition(ctx, secondaries, d.WriteConcurrency, func(ctx context.Context, part []wire.KVPair) error {
		if len(part) == 0 {
			return nil
		}
		client, err := d.KV.NewClient(ctx)
		if err != nil {
			return errors.Annotate(err, "txn: failed to create kv client for secondary commit")
		}
		defer client.Close()

		keys := make([][]byte, len(part))
		for i, kv := range part {
			keys[i] = kv.Key
		}
		return client.CommitSecondaries(ctx, keys, startTs, commitTs)
	})
	if err != nil {
		if d.IsTest {
			log.Error("[batchwrite] secondary commit failed in test mode", zap.Error(err))
			return
		}
		log.Warn("[batchwrite] secondary commit failed; store's lock-resolver will clean up via the committed primary", zap.Error(err))
	}
}

// startTTLKeepAlive runs a cooperative background loop that refreshes the
// primary lock's TTL until stopped. It has a single cancellation point —
// the returned stop function — mirroring spec.md §9's "must be
// interruptible to avoid dangling lock-refresh traffic".
func (d *Driver) startTTLKeepAlive(ctx context.Context, primaryKey []byte, startTs uint64) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		client, err := d.KV.NewClient(loopCtx)
		if err != nil {
			log.Warn("[batchwrite] ttl keep-alive failed to create kv client", zap.Error(err))
			return
		}
		defer client.Close()
		if !client.SupportsTTLUpdate() {
			return
		}

		ttl := d.lockTTLMillis()
		interval := time.Duration(ttl)*time.Millisecond - ttlHeartbeatSlack
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := client.TxnHeartBeat(loopCtx, primaryKey, startTs, ttl); err != nil {
					log.Warn("[batchwrite] ttl heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// forEachPartition runs f over every partition, fanned out across
// goroutines capped at maxConcurrency (<=0 means unbounded), and returns
// the first error. Grounded on go-ycsb/pkg/client/client.go's
// WaitGroup-based worker fan-out.
func forEachPartition(ctx context.Context, partitions [][]wire.KVPair, maxConcurrency int, f func(context.Context, []wire.KVPair) error) error {
	n := len(partitions)
	if n == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = n
	}

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	sem := make(chan struct{}, maxConcurrency)

	for _, part := range partitions {
		wg.Add(1)
		go func(p []wire.KVPair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := f(ctx, p); err != nil {
				errCh <- err
			}
		}(part)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
