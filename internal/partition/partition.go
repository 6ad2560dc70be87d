// Package partition implements C7: routing KV pairs to workers by owning
// region, capped by write concurrency. Grounded on
// scheduler/client/client.go's region-boundary handling (ScanRegions'
// "starts from the region that contains key" contract), adapted to a
// local binary search over a pre-fetched region list instead of per-key
// RPCs.
package partition

import (
	"sort"

	"github.com/pingcap/errors"

	"github.com/batchwrite/coordinator/internal/wire"
)

// Router routes keys to partitions using a fixed, EndKey-sorted region
// list.
type Router struct {
	regions          []*wire.Region // sorted by EndKey ascending; last may have empty EndKey (+inf)
	writeConcurrency int
}

// NewRouter builds a Router over regions, sorting a copy by EndKey.
// writeConcurrency caps the number of partitions; <=0 means one partition
// per region.
func NewRouter(regions []*wire.Region, writeConcurrency int) *Router {
	sorted := make([]*wire.Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		return endKeyLess(sorted[i].GetEndKey(), sorted[j].GetEndKey())
	})
	return &Router{regions: sorted, writeConcurrency: writeConcurrency}
}

// NumPartitions is the partition count the router will ever return from
// PartitionOf: len(regions) if writeConcurrency<=0, else writeConcurrency.
func (r *Router) NumPartitions() int {
	if r.writeConcurrency <= 0 {
		return len(r.regions)
	}
	return r.writeConcurrency
}

// RegionOf returns the index (into the EndKey-sorted region list) of the
// region owning key.
func (r *Router) RegionOf(key []byte) (int, error) {
	n := len(r.regions)
	i := sort.Search(n, func(i int) bool {
		end := r.regions[i].GetEndKey()
		return len(end) == 0 || bytesLess(key, end)
	})
	if i == n {
		return 0, errors.Errorf("partition: no region owns key %x", key)
	}
	return i, nil
}

// PartitionOf maps key to a partition index: regionIndex mod
// writeConcurrency, or regionIndex itself when writeConcurrency<=0 (in
// which case the partition count equals the region count). Ties —
// multiple regions mapping to the same partition — are resolved
// deterministically since regionIndex is itself deterministic for a
// given key.
func (r *Router) PartitionOf(key []byte) (int, error) {
	regionIdx, err := r.RegionOf(key)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if r.writeConcurrency <= 0 {
		return regionIdx, nil
	}
	return regionIdx % r.writeConcurrency, nil
}

// Partition routes every KV pair to its partition, first collapsing any
// residual duplicate keys by keeping the first value encountered — a
// defensive no-op after C4's deduplication, per spec.md §4.7.
func (r *Router) Partition(kvs []wire.KVPair) ([][]wire.KVPair, error) {
	deduped := reduceByKeyKeepFirst(kvs)

	out := make([][]wire.KVPair, r.NumPartitions())
	for _, kv := range deduped {
		p, err := r.PartitionOf(kv.Key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[p] = append(out[p], kv)
	}
	return out, nil
}

func reduceByKeyKeepFirst(kvs []wire.KVPair) []wire.KVPair {
	seen := make(map[string]bool, len(kvs))
	out := make([]wire.KVPair, 0, len(kvs))
	for _, kv := range kvs {
		k := string(kv.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, kv)
	}
	return out
}

// endKeyLess orders two region EndKey values for sorting, treating an
// empty EndKey as +inf (only the last region in the keyspace has one).
func endKeyLess(a, b []byte) bool {
	aInf, bInf := len(a) == 0, len(b) == 0
	switch {
	case aInf && bInf:
		return false
	case aInf:
		return false
	case bInf:
		return true
	default:
		return bytesLess(a, b)
	}
}

// bytesLess is a plain lexicographic comparison; callers are responsible
// for handling the empty-means-+inf convention before reaching here.
func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
