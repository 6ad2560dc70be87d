// Package conflict implements C5: reading existing row and index entries
// from a startTs snapshot to find everything the input collides with, so
// it can be rewritten atomically alongside the new data. Grounded on
// kv/transaction/mvcc/transaction.go's RoTxn.GetValue/MostRecentWrite
// read-then-decode shape, adapted from a local MvccTxn reader to a remote
// Snapshot.BatchGet call, and on spec.md §9's two-pass design note: a
// unique-index hit only yields a handle, so the owning row needs a second
// batchGet on rowKey(table, oldHandle).
package conflict

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/codec"
	"github.com/batchwrite/coordinator/internal/kvclient"
	"github.com/batchwrite/coordinator/internal/normalize"
	"github.com/batchwrite/coordinator/internal/rowset"
)

// OldRow is an existing row the resolver found colliding with the input,
// addressed by its own (pre-existing) handle.
type OldRow struct {
	Row    rowset.WrappedRow
	RowKey []byte
}

// Resolver finds existing conflicting rows for a batch of input rows
// against a fixed snapshot.
type Resolver struct {
	Table     *catalog.TableInfo
	Snapshot  kvclient.Snapshot
	BatchSize int
	Replace   bool
}

func (r *Resolver) batchSize() int {
	if r.BatchSize <= 0 {
		return 4096
	}
	return r.BatchSize
}

// Resolve runs the three-step probe described in spec.md §4.5 and returns
// the union of colliding rows. If Replace is false and any collision is
// found, it returns bwerrors.ErrConflict and no rows.
func (r *Resolver) Resolve(ctx context.Context, rows []rowset.WrappedRow) ([]OldRow, error) {
	colliding := make(map[string]OldRow)

	// Step 1: direct handle collisions. Even when pkIsHandle is false,
	// C2-allocated handles only avoid collisions with other handles
	// allocated in the same write; a replace write must still detect and
	// overwrite any pre-existing row at the same handle.
	if err := r.probeByRowKey(ctx, handleKeys(r.Table, rows), colliding); err != nil {
		return nil, errors.Trace(err)
	}

	for _, idx := range r.Table.UniqueIndices() {
		oldHandles, err := r.probeUniqueIndex(ctx, idx, rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(oldHandles) == 0 {
			continue
		}
		keys := make([][]byte, len(oldHandles))
		for i, h := range oldHandles {
			keys[i] = codec.EncodeRowKey(r.Table.TableID, h)
		}
		if err := r.probeByRowKey(ctx, keys, colliding); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if len(colliding) > 0 && !r.Replace {
		return nil, errors.Trace(bwerrors.ErrConflict)
	}

	out := make([]OldRow, 0, len(colliding))
	for _, v := range colliding {
		out = append(out, v)
	}
	return out, nil
}

func handleKeys(table *catalog.TableInfo, rows []rowset.WrappedRow) [][]byte {
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = codec.EncodeRowKey(table.TableID, r.Handle)
	}
	return keys
}

// probeByRowKey batchGets the given row keys, decodes hits, and records
// them in colliding keyed by the row key bytes (so the same old row found
// through two different paths only counts once).
func (r *Resolver) probeByRowKey(ctx context.Context, keys [][]byte, colliding map[string]OldRow) error {
	columns := columnSpecsOf(r.Table)
	for _, chunk := range chunkKeys(keys, r.batchSize()) {
		hits, err := r.Snapshot.BatchGet(ctx, chunk)
		if err != nil {
			return errors.Trace(err)
		}
		for _, key := range chunk {
			value, ok := hits[string(key)]
			if !ok {
				continue
			}
			handle, err := codec.DecodeHandleFromRowKey(key)
			if err != nil {
				return errors.Trace(err)
			}
			datums, err := codec.DecodeRowValue(value, handle, columns)
			if err != nil {
				return errors.Trace(err)
			}
			colliding[string(key)] = OldRow{
				Row:    rowset.WrappedRow{Handle: handle, Row: normalize.Row{Values: datums}},
				RowKey: key,
			}
		}
	}
	return nil
}

// probeUniqueIndex batchGets the unique-index keys for a single index and
// returns the old handles the hits decode to.
func (r *Resolver) probeUniqueIndex(ctx context.Context, idx catalog.IndexInfo, rows []rowset.WrappedRow) ([]int64, error) {
	keys := make([][]byte, 0, len(rows))
	for _, row := range rows {
		key, err := codec.EncodeUniqueIndexKey(r.Table.TableID, idx.ID, indexValuesOf(row.Row, idx))
		if err != nil {
			return nil, errors.Trace(err)
		}
		keys = append(keys, key)
	}

	var handles []int64
	for _, chunk := range chunkKeys(keys, r.batchSize()) {
		hits, err := r.Snapshot.BatchGet(ctx, chunk)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, v := range hits {
			h, err := codec.DecodeHandleFromUniqueIndex(v)
			if err != nil {
				return nil, errors.Trace(err)
			}
			handles = append(handles, h)
		}
	}
	return handles, nil
}

func columnSpecsOf(table *catalog.TableInfo) []codec.ColumnSpec {
	specs := make([]codec.ColumnSpec, len(table.Columns))
	for i, c := range table.Columns {
		specs[i] = codec.ColumnSpec{
			Offset:   c.Offset,
			IsHandle: table.PKIsHandle && c.Offset == table.HandleColOffset,
		}
	}
	return specs
}

func indexValuesOf(row normalize.Row, idx catalog.IndexInfo) []types.Datum {
	vals := make([]types.Datum, len(idx.Columns))
	for i, off := range idx.Columns {
		vals[i] = row.Values[off]
	}
	return vals
}

func chunkKeys(keys [][]byte, size int) [][][]byte {
	if len(keys) == 0 {
		return nil
	}
	var chunks [][][]byte
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}
