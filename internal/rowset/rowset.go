// Package rowset ties a normalized row to its handle, producing the
// "wrapped rows" the data flow in spec.md §2 hands to the deduplicator.
package rowset

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/handle"
	"github.com/batchwrite/coordinator/internal/normalize"
)

// WrappedRow pairs a normalized row with its handle.
type WrappedRow struct {
	Row    normalize.Row
	Handle int64
}

// AssignHandles implements spec.md §3's handle rule: if the table's
// primary key is the handle, the handle is read straight from the
// handle column; otherwise a contiguous range is allocated from the
// handle allocator and assigned in input order.
func AssignHandles(ctx context.Context, table *catalog.TableInfo, alloc *handle.Allocator, rows []normalize.Row) ([]WrappedRow, error) {
	out := make([]WrappedRow, len(rows))
	if table.PKIsHandle {
		for i, r := range rows {
			d := r.Values[table.HandleColOffset]
			if d.IsNull() {
				return nil, errors.Trace(bwerrors.ErrNullColumn)
			}
			handleVal := d.GetInt64()
			if d.Kind() == types.KindUint64 {
				handleVal = int64(d.GetUint64())
			}
			out[i] = WrappedRow{Row: r, Handle: handleVal}
		}
		return out, nil
	}

	if len(rows) == 0 {
		return out, nil
	}
	base, err := alloc.Allocate(ctx, table.DBID, table.TableID, uint64(len(rows)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i, r := range rows {
		out[i] = WrappedRow{Row: r, Handle: base + int64(i)}
	}
	return out, nil
}
