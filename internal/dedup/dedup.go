// Package dedup implements C4: collapsing duplicate primary-handle and
// unique-index keys within the input before it ever reaches the store.
// Each pass is a single sequential walk over the rows with a map keyed by
// the encoded key; it does not hash-partition the rows and does not go
// through internal/dataset.
package dedup

import (
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/codec"
	"github.com/batchwrite/coordinator/internal/rowset"
)

// Dedup collapses rows whose rowKey collides (when pkIsHandle) and, for
// every unique index, rows whose unique-index key collides. The choice of
// surviving representative is unspecified by spec.md but must be
// deterministic per partition; here it is "last write wins within the
// group", which is deterministic given a fixed input order and requires
// no extra bookkeeping.
func Dedup(table *catalog.TableInfo, rows []rowset.WrappedRow) ([]rowset.WrappedRow, error) {
	result := rows

	if table.PKIsHandle {
		result = dedupBy(result, func(r rowset.WrappedRow) (string, error) {
			return string(codec.EncodeRowKey(table.TableID, r.Handle)), nil
		})
	}

	for _, idx := range table.UniqueIndices() {
		idx := idx
		var keyErr error
		result = dedupBy(result, func(r rowset.WrappedRow) (string, error) {
			vals := indexValues(r.Row.Values, idx.Columns)
			key, err := codec.EncodeUniqueIndexKey(table.TableID, idx.ID, vals)
			if err != nil {
				keyErr = err
				return "", err
			}
			return string(key), nil
		})
		if keyErr != nil {
			return nil, keyErr
		}
	}

	return result, nil
}

func indexValues(values []types.Datum, offsets []int) []types.Datum {
	vals := make([]types.Datum, len(offsets))
	for i, off := range offsets {
		vals[i] = values[off]
	}
	return vals
}

// dedupBy retains one representative per key, preserving the order of
// first appearance of each key's surviving representative.
func dedupBy(rows []rowset.WrappedRow, keyFn func(rowset.WrappedRow) (string, error)) []rowset.WrappedRow {
	seen := make(map[string]int, len(rows))
	out := make([]rowset.WrappedRow, 0, len(rows))
	for _, r := range rows {
		k, err := keyFn(r)
		if err != nil {
			continue
		}
		if i, ok := seen[k]; ok {
			out[i] = r
			continue
		}
		seen[k] = len(out)
		out = append(out, r)
	}
	return out
}
