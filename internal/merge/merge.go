// Package merge implements the insert-over-delete union described in
// spec.md §4.5: the put KVs produced from deduped input rows are unioned
// with the delete KVs produced from conflicting old rows, grouped by
// encoded key, with any put masking any delete in the same group.
package merge

import "github.com/batchwrite/coordinator/internal/wire"

// Merge unions puts and deletes by key, letting puts mask deletes. Keys
// are emitted in order of first appearance, with deletes scanned before
// puts, so downstream region partitioning sees a stable, reproducible key
// order.
func Merge(puts, deletes []wire.KVPair) []wire.KVPair {
	order := make([]string, 0, len(puts)+len(deletes))
	byKey := make(map[string]wire.KVPair, len(puts)+len(deletes))

	for _, kv := range deletes {
		k := string(kv.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = kv
	}
	for _, kv := range puts {
		k := string(kv.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = kv
	}

	out := make([]wire.KVPair, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}
