// Package normalize implements C3: projecting external rows onto the
// table's declared column order, and filling an omitted auto-increment
// column. Grounded on rowcodec's column-id/offset handling (fields are
// always addressed by declared offset, never input order) and
// github.com/pingcap/tidb/types' Datum constructors. Values are turned
// into Datums by their Go type; the column's declared Type is not
// consulted and no conversion to it is made.
package normalize

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/dataset"
)

// Row is an internal row: a fixed-width tuple sized to the table, indexed
// by column offset, holding each value as the Datum that matches its Go
// type (not converted to the column's declared type).
type Row struct {
	Values []types.Datum
}

// AutoIDAllocator allocates a contiguous range of auto-increment values.
// Implemented by internal/handle.Allocator; kept as a narrow interface
// here to avoid a dependency cycle.
type AutoIDAllocator interface {
	Allocate(ctx context.Context, dbID, tableID int64, n uint64) (start int64, err error)
}

// Normalizer projects dataset.Record values onto a table's column layout.
type Normalizer struct {
	Table *catalog.TableInfo
	IDs   AutoIDAllocator
}

// Normalize converts every record in ds into a Row, filling the
// auto-increment column when the input omits it. Per spec.md §4.3: if the
// input already includes the auto-increment column, a null there is
// rejected; if it's omitted, a range of size count(input) is allocated and
// each row gets start+rowIndex in input order.
func (n *Normalizer) Normalize(ctx context.Context, ds *dataset.Dataset) ([]Row, error) {
	autoCol, hasAuto := n.Table.AutoIncrementColumn()
	inputHasAutoCol := inputIncludesColumn(ds, autoCol, hasAuto)

	expectedCols := len(n.Table.Columns)
	if hasAuto && !inputHasAutoCol {
		expectedCols--
	}

	var base int64
	needsAlloc := hasAuto && !inputHasAutoCol
	if needsAlloc {
		count := ds.Count()
		if count > 0 {
			var err error
			base, err = n.IDs.Allocate(ctx, n.Table.DBID, n.Table.TableID, uint64(count))
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
	}

	rows := make([]Row, 0, ds.Count())
	var rowErr error
	idx := int64(0)
	// Sequential walk: auto-increment ordering must match input order,
	// which a concurrent ForEachPartition fan-out cannot guarantee.
	for _, part := range ds.Partitions() {
		for _, rec := range part {
			if len(rec) != expectedCols {
				return nil, errors.Trace(bwerrors.ErrColumnCountMismatch)
			}
			row, err := n.normalizeOne(rec)
			if err != nil {
				rowErr = err
				break
			}
			if needsAlloc {
				row.Values[autoCol.Offset] = types.NewIntDatum(base + idx)
			}
			rows = append(rows, row)
			idx++
		}
		if rowErr != nil {
			break
		}
	}
	if rowErr != nil {
		return nil, rowErr
	}
	return rows, nil
}

func inputIncludesColumn(ds *dataset.Dataset, col catalog.ColumnInfo, hasAuto bool) bool {
	if !hasAuto {
		return false
	}
	for _, part := range ds.Partitions() {
		for _, rec := range part {
			_, ok := rec.Get(col.Name)
			return ok
		}
	}
	return false
}

func (n *Normalizer) normalizeOne(rec dataset.Record) (Row, error) {
	row := Row{Values: make([]types.Datum, len(n.Table.Columns))}
	for _, col := range n.Table.Columns {
		v, ok := rec.Get(col.Name)
		if !ok {
			if col.IsAutoIncrement {
				row.Values[col.Offset] = types.Datum{}
				continue
			}
			if !col.Nullable {
				return Row{}, errors.Trace(bwerrors.ErrNullColumn)
			}
			row.Values[col.Offset] = types.Datum{}
			continue
		}
		if v == nil {
			if !col.Nullable || col.IsAutoIncrement {
				return Row{}, errors.Trace(bwerrors.ErrNullColumn)
			}
			row.Values[col.Offset] = types.Datum{}
			continue
		}
		d, err := toDatum(v)
		if err != nil {
			return Row{}, errors.Trace(err)
		}
		row.Values[col.Offset] = d
	}
	return row, nil
}

func toDatum(v interface{}) (types.Datum, error) {
	switch t := v.(type) {
	case types.Datum:
		return t, nil
	case int64:
		return types.NewIntDatum(t), nil
	case int:
		return types.NewIntDatum(int64(t)), nil
	case uint64:
		return types.NewUintDatum(t), nil
	case float64:
		return types.NewFloat64Datum(t), nil
	case string:
		return types.NewStringDatum(t), nil
	case []byte:
		return types.NewBytesDatum(t), nil
	case bool:
		if t {
			return types.NewIntDatum(1), nil
		}
		return types.NewIntDatum(0), nil
	default:
		return types.Datum{}, errors.Errorf("normalize: unsupported value type %T", v)
	}
}
