// Package kvexpand implements C6: turning one (row, handle, mode) triple
// into the row-KV and per-index KVs that must be written (or tombstoned)
// together. Grounded on rowcodec's value encoding and
// kv/transaction/commands/prewrite.go's mutation shape (one KV per key,
// value empty for a delete).
package kvexpand

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/codec"
	"github.com/batchwrite/coordinator/internal/normalize"
	"github.com/batchwrite/coordinator/internal/wire"
)

// Mode selects whether a row expands into puts or into delete tombstones.
type Mode int

const (
	ModePut Mode = iota
	ModeDelete
)

// Expand produces exactly 1+numIndices KV pairs for one row at one
// handle: a row-KV plus one KV per index (unique or non-unique). A delete
// mode KV carries an empty value, the wire-level tombstone sentinel.
func Expand(table *catalog.TableInfo, row normalize.Row, handle int64, mode Mode) ([]wire.KVPair, error) {
	out := make([]wire.KVPair, 0, 1+len(table.Indices))

	rowKey := codec.EncodeRowKey(table.TableID, handle)
	var rowValue []byte
	if mode == ModePut {
		v, err := codec.EncodeRowValue(columnSpecs(table), row.Values, table.PKIsHandle)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rowValue = v
	}
	out = append(out, wire.KVPair{Key: rowKey, Value: rowValue})

	for _, idx := range table.Indices {
		vals := indexValues(row, idx)
		if idx.Unique {
			key, err := codec.EncodeUniqueIndexKey(table.TableID, idx.ID, vals)
			if err != nil {
				return nil, errors.Trace(err)
			}
			var value []byte
			if mode == ModePut {
				value = codec.EncodeHandle(handle)
			}
			out = append(out, wire.KVPair{Key: key, Value: value})
		} else {
			key, err := codec.EncodeNonUniqueIndexKey(table.TableID, idx.ID, vals, handle)
			if err != nil {
				return nil, errors.Trace(err)
			}
			var value []byte
			if mode == ModePut {
				value = codec.NonUniqueIndexValue()
			}
			out = append(out, wire.KVPair{Key: key, Value: value})
		}
	}
	return out, nil
}

func columnSpecs(table *catalog.TableInfo) []codec.ColumnSpec {
	specs := make([]codec.ColumnSpec, len(table.Columns))
	for i, c := range table.Columns {
		specs[i] = codec.ColumnSpec{
			Offset:   c.Offset,
			IsHandle: table.PKIsHandle && c.Offset == table.HandleColOffset,
		}
	}
	return specs
}

func indexValues(row normalize.Row, idx catalog.IndexInfo) []types.Datum {
	vals := make([]types.Datum, len(idx.Columns))
	for i, off := range idx.Columns {
		vals[i] = row.Values[off]
	}
	return vals
}
