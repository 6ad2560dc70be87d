// Package handle implements C2: allocating a contiguous range of
// monotonically increasing 64-bit handles from the meta service. Grounded
// on scheduler/client/client.go's bounded-retry-with-backoff shape
// (maxInitClusterRetries) for tolerating transient contention on the
// meta service's distributed lock.
package handle

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/batchwrite/coordinator/internal/catalog"
)

const (
	maxAllocRetries  = 5
	initialBackoff   = 50 * time.Millisecond
	maxBackoff       = 2 * time.Second
)

// Allocator supplies contiguous handle ranges by calling into the catalog
// client under its distributed lock, retrying bounded backoff on
// contention.
type Allocator struct {
	Meta catalog.Client
}

// Allocate returns a reserved contiguous range [start, start+n) that no
// other writer will be given, for the signed handle domain.
func (a *Allocator) Allocate(ctx context.Context, dbID, tableID int64, n uint64) (int64, error) {
	return a.allocate(ctx, dbID, tableID, n, false)
}

// AllocateUnsigned is the unsigned-handle-domain counterpart of Allocate,
// used when the table's handle/auto-increment column is declared
// unsigned.
func (a *Allocator) AllocateUnsigned(ctx context.Context, dbID, tableID int64, n uint64) (int64, error) {
	return a.allocate(ctx, dbID, tableID, n, true)
}

func (a *Allocator) allocate(ctx context.Context, dbID, tableID int64, n uint64, unsigned bool) (int64, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		if attempt > 0 {
			log.Warn("[batchwrite] retrying handle allocation",
				zap.Int64("table-id", tableID), zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return 0, errors.Trace(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		start, err := a.Meta.AllocAutoID(ctx, dbID, tableID, n, unsigned)
		if err == nil {
			return start, nil
		}
		lastErr = err
	}
	return 0, errors.Annotatef(lastErr, "handle: failed to allocate %d ids for table %d after %d attempts", n, tableID, maxAllocRetries)
}
