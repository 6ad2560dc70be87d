// Package dataset gives a concrete, in-process shape to the "out of scope"
// tabular compute engine named in spec.md: a partitioned, lazily
// materialized sequence of named-field records supporting map, filter,
// reduce-by-key with a custom partitioner, count, min, max, take(n), and
// per-partition iteration on worker goroutines. There is no separate
// group-by-key operation; grouping is done through ReduceByKey. Grounded on
// go-ycsb/pkg/client/client.go's thread-per-partition WaitGroup fan-out.
package dataset

import "sync"

// Record is one row of the dataset, keyed by field name. Field-name lookup
// is case-insensitive, matching spec.md §6's "case-insensitive column
// matching" requirement.
type Record map[string]interface{}

// Get looks up a field case-insensitively.
func (r Record) Get(field string) (interface{}, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		if equalFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Partitioner maps a key to a partition index out of numPartitions.
type Partitioner interface {
	Partition(key string, numPartitions int) int
}

// HashPartitioner is the default partitioner: a simple FNV-1a over the key.
type HashPartitioner struct{}

func (HashPartitioner) Partition(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(numPartitions))
}

// Dataset is a partitioned record stream, backed here by one slice per
// partition.
type Dataset struct {
	partitions [][]Record
}

// New builds a Dataset from a flat slice of records, dealing them out
// round-robin over numPartitions partitions (record i goes to partition
// i mod numPartitions) — a stand-in for whatever partitioning the real upstream
// compute engine already performed.
func New(records []Record, numPartitions int) *Dataset {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	parts := make([][]Record, numPartitions)
	for i, r := range records {
		p := i % numPartitions
		parts[p] = append(parts[p], r)
	}
	return &Dataset{partitions: parts}
}

// NumPartitions returns the number of partitions.
func (d *Dataset) NumPartitions() int {
	return len(d.partitions)
}

// Map applies f to every record, preserving partitioning.
func (d *Dataset) Map(f func(Record) Record) *Dataset {
	out := make([][]Record, len(d.partitions))
	for i, part := range d.partitions {
		mapped := make([]Record, len(part))
		for j, r := range part {
			mapped[j] = f(r)
		}
		out[i] = mapped
	}
	return &Dataset{partitions: out}
}

// MapIndexed is like Map but also passes the partition index and the
// record's position within that partition.
func (d *Dataset) MapIndexed(f func(r Record, partition, indexInPartition int) Record) *Dataset {
	out := make([][]Record, len(d.partitions))
	for i, part := range d.partitions {
		mapped := make([]Record, len(part))
		for j, r := range part {
			mapped[j] = f(r, i, j)
		}
		out[i] = mapped
	}
	return &Dataset{partitions: out}
}

// Filter keeps only records for which f returns true.
func (d *Dataset) Filter(f func(Record) bool) *Dataset {
	out := make([][]Record, len(d.partitions))
	for i, part := range d.partitions {
		var kept []Record
		for _, r := range part {
			if f(r) {
				kept = append(kept, r)
			}
		}
		out[i] = kept
	}
	return &Dataset{partitions: out}
}

// ReduceByKey groups all records (across all partitions) by keyFn, then
// folds each group with reduceFn, finally re-partitioning the result with
// partitioner over numPartitions. This collapses duplicate keys the way
// C4's deduplicator needs.
func (d *Dataset) ReduceByKey(keyFn func(Record) string, reduceFn func(a, b Record) Record, partitioner Partitioner, numPartitions int) *Dataset {
	groups := make(map[string]Record)
	order := make([]string, 0)
	for _, part := range d.partitions {
		for _, r := range part {
			k := keyFn(r)
			if existing, ok := groups[k]; ok {
				groups[k] = reduceFn(existing, r)
			} else {
				groups[k] = r
				order = append(order, k)
			}
		}
	}
	if numPartitions <= 0 {
		numPartitions = len(d.partitions)
	}
	out := make([][]Record, numPartitions)
	for _, k := range order {
		p := partitioner.Partition(k, numPartitions)
		out[p] = append(out[p], groups[k])
	}
	return &Dataset{partitions: out}
}

// Count returns the total number of records across all partitions.
func (d *Dataset) Count() int64 {
	var n int64
	for _, part := range d.partitions {
		n += int64(len(part))
	}
	return n
}

// Min returns the record for which less(candidate, current) never holds
// for any other record, or the zero Record if the dataset is empty.
func (d *Dataset) Min(less func(a, b Record) bool) (Record, bool) {
	return d.extremum(func(a, b Record) bool { return less(a, b) })
}

// Max returns the record for which less(current, candidate) never holds
// for any other record, or the zero Record if the dataset is empty.
func (d *Dataset) Max(less func(a, b Record) bool) (Record, bool) {
	return d.extremum(func(a, b Record) bool { return less(b, a) })
}

func (d *Dataset) extremum(better func(a, b Record) bool) (Record, bool) {
	var best Record
	found := false
	for _, part := range d.partitions {
		for _, r := range part {
			if !found || better(r, best) {
				best = r
				found = true
			}
		}
	}
	return best, found
}

// Take returns up to n records, reading partitions in order.
func (d *Dataset) Take(n int) []Record {
	out := make([]Record, 0, n)
	for _, part := range d.partitions {
		for _, r := range part {
			if len(out) >= n {
				return out
			}
			out = append(out, r)
		}
	}
	return out
}

// ForEachPartition runs f once per partition, fanned out across goroutines
// capped at maxConcurrency (maxConcurrency<=0 means unbounded), and
// returns the first error encountered. Grounded on
// go-ycsb/pkg/client/client.go's Client.Run: one goroutine per unit of
// work, joined with a WaitGroup, errors collected on a buffered channel
// rather than golang.org/x/sync/errgroup (which the teacher never
// imports).
func (d *Dataset) ForEachPartition(maxConcurrency int, f func(partitionIndex int, rows []Record) error) error {
	n := len(d.partitions)
	if n == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = n
	}

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	sem := make(chan struct{}, maxConcurrency)

	for i, part := range d.partitions {
		wg.Add(1)
		go func(idx int, rows []Record) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := f(idx, rows); err != nil {
				errCh <- err
			}
		}(i, part)
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

// Partitions exposes the raw per-partition slices for callers (like the
// normalizer) that walk the records directly rather than transform the
// Dataset in place.
func (d *Dataset) Partitions() [][]Record {
	return d.partitions
}
