package dataset

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordGetIsCaseInsensitive(t *testing.T) {
	r := Record{"Name": "a", "Age": int64(1)}

	v, ok := r.Get("name")
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = r.Get("AGE")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRecordGetPrefersExactMatch(t *testing.T) {
	r := Record{"id": "exact", "ID": "folded"}
	v, ok := r.Get("id")
	require.True(t, ok)
	assert.Equal(t, "exact", v)
}

func TestHashPartitionerIsDeterministicAndInRange(t *testing.T) {
	p := HashPartitioner{}
	idx := p.Partition("some-key", 8)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 8)
	assert.Equal(t, idx, p.Partition("some-key", 8))
}

func TestHashPartitionerZeroPartitionsReturnsZero(t *testing.T) {
	p := HashPartitioner{}
	assert.Equal(t, 0, p.Partition("x", 0))
}

func TestNewSplitsRecordsRoundRobinAcrossPartitions(t *testing.T) {
	records := []Record{{"i": int64(0)}, {"i": int64(1)}, {"i": int64(2)}, {"i": int64(3)}}
	ds := New(records, 2)

	require.Equal(t, 2, ds.NumPartitions())
	parts := ds.Partitions()
	assert.Equal(t, []Record{{"i": int64(0)}, {"i": int64(2)}}, parts[0])
	assert.Equal(t, []Record{{"i": int64(1)}, {"i": int64(3)}}, parts[1])
}

func TestNewClampsNonPositivePartitionCountToOne(t *testing.T) {
	ds := New([]Record{{"a": 1}}, 0)
	assert.Equal(t, 1, ds.NumPartitions())
}

func TestMapPreservesPartitioningAndTransformsEveryRecord(t *testing.T) {
	ds := New([]Record{{"n": int64(1)}, {"n": int64(2)}}, 2)
	out := ds.Map(func(r Record) Record {
		n, _ := r.Get("n")
		return Record{"n": n.(int64) * 10}
	})

	assert.Equal(t, int64(10), out.Partitions()[0][0]["n"])
	assert.Equal(t, int64(20), out.Partitions()[1][0]["n"])
}

func TestMapIndexedPassesPartitionAndPositionWithinPartition(t *testing.T) {
	ds := New([]Record{{"v": "a"}, {"v": "b"}, {"v": "c"}}, 1)
	out := ds.MapIndexed(func(r Record, partition, indexInPartition int) Record {
		return Record{"v": r["v"], "partition": partition, "index": indexInPartition}
	})

	parts := out.Partitions()
	assert.Equal(t, 0, parts[0][0]["index"])
	assert.Equal(t, 1, parts[0][1]["index"])
	assert.Equal(t, 2, parts[0][2]["index"])
}

func TestFilterDropsNonMatchingRecordsPerPartition(t *testing.T) {
	ds := New([]Record{{"n": int64(1)}, {"n": int64(2)}, {"n": int64(3)}, {"n": int64(4)}}, 2)
	out := ds.Filter(func(r Record) bool {
		n, _ := r.Get("n")
		return n.(int64)%2 == 0
	})

	assert.Equal(t, int64(2), out.Count())
	for _, part := range out.Partitions() {
		for _, r := range part {
			n, _ := r.Get("n")
			assert.Equal(t, int64(0), n.(int64)%2)
		}
	}
}

func TestReduceByKeyCollapsesDuplicateKeysKeepingLastWriteWins(t *testing.T) {
	ds := New([]Record{
		{"k": "x", "v": int64(1)},
		{"k": "x", "v": int64(2)},
		{"k": "y", "v": int64(3)},
	}, 1)

	out := ds.ReduceByKey(
		func(r Record) string { k, _ := r.Get("k"); return k.(string) },
		func(a, b Record) Record { return b },
		HashPartitioner{}, 2,
	)

	assert.Equal(t, int64(2), out.Count())
	var gotX, gotY bool
	for _, part := range out.Partitions() {
		for _, r := range part {
			k, _ := r.Get("k")
			v, _ := r.Get("v")
			if k.(string) == "x" {
				assert.Equal(t, int64(2), v.(int64))
				gotX = true
			}
			if k.(string) == "y" {
				assert.Equal(t, int64(3), v.(int64))
				gotY = true
			}
		}
	}
	assert.True(t, gotX)
	assert.True(t, gotY)
}

func TestReduceByKeyZeroNumPartitionsReusesInputPartitionCount(t *testing.T) {
	ds := New([]Record{{"k": "a"}}, 3)
	out := ds.ReduceByKey(
		func(r Record) string { k, _ := r.Get("k"); return k.(string) },
		func(a, b Record) Record { return b },
		HashPartitioner{}, 0,
	)
	assert.Equal(t, 3, out.NumPartitions())
}

func TestCountSumsAcrossAllPartitions(t *testing.T) {
	ds := New([]Record{{"a": 1}, {"a": 2}, {"a": 3}}, 2)
	assert.Equal(t, int64(3), ds.Count())
}

func TestCountEmptyDatasetIsZero(t *testing.T) {
	ds := New(nil, 1)
	assert.Equal(t, int64(0), ds.Count())
}

func TestMinReturnsSmallestByLessAndFalseWhenEmpty(t *testing.T) {
	ds := New([]Record{{"n": int64(5)}, {"n": int64(1)}, {"n": int64(3)}}, 1)
	less := func(a, b Record) bool {
		av, _ := a.Get("n")
		bv, _ := b.Get("n")
		return av.(int64) < bv.(int64)
	}

	min, ok := ds.Min(less)
	require.True(t, ok)
	assert.Equal(t, int64(1), min["n"])

	empty := New(nil, 1)
	_, ok = empty.Min(less)
	assert.False(t, ok)
}

func TestMaxReturnsLargestByLess(t *testing.T) {
	ds := New([]Record{{"n": int64(5)}, {"n": int64(1)}, {"n": int64(9)}}, 1)
	less := func(a, b Record) bool {
		av, _ := a.Get("n")
		bv, _ := b.Get("n")
		return av.(int64) < bv.(int64)
	}

	max, ok := ds.Max(less)
	require.True(t, ok)
	assert.Equal(t, int64(9), max["n"])
}

func TestTakeReturnsAtMostNRecordsInPartitionOrder(t *testing.T) {
	ds := New([]Record{{"i": 0}, {"i": 1}, {"i": 2}}, 1)
	got := ds.Take(2)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, got[0]["i"])
	assert.Equal(t, 1, got[1]["i"])
}

func TestTakeMoreThanAvailableReturnsWhatExists(t *testing.T) {
	ds := New([]Record{{"i": 0}}, 1)
	got := ds.Take(5)
	assert.Len(t, got, 1)
}

func TestForEachPartitionVisitsEveryPartitionExactlyOnce(t *testing.T) {
	ds := New([]Record{{"i": 0}, {"i": 1}, {"i": 2}, {"i": 3}}, 4)

	var mu sync.Mutex
	seen := make(map[int]bool)
	err := ds.ForEachPartition(0, func(partitionIndex int, rows []Record) error {
		mu.Lock()
		seen[partitionIndex] = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, seen, 4)
}

func TestForEachPartitionRespectsConcurrencyCap(t *testing.T) {
	ds := New([]Record{{}, {}, {}, {}, {}, {}}, 6)

	var cur, max int32
	var mu sync.Mutex
	err := ds.ForEachPartition(2, func(partitionIndex int, rows []Record) error {
		n := atomic.AddInt32(&cur, 1)
		mu.Lock()
		if n > max {
			max = n
		}
		mu.Unlock()
		atomic.AddInt32(&cur, -1)
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, int(max), 2)
}

func TestForEachPartitionReturnsFirstErrorEncountered(t *testing.T) {
	ds := New([]Record{{}, {}, {}}, 3)
	boom := errors.New("partition failed")

	err := ds.ForEachPartition(0, func(partitionIndex int, rows []Record) error {
		if partitionIndex == 1 {
			return boom
		}
		return nil
	})

	assert.Error(t, err)
}

func TestForEachPartitionEmptyDatasetIsNoOp(t *testing.T) {
	ds := New(nil, 1)
	ds.partitions = nil
	err := ds.ForEachPartition(0, func(partitionIndex int, rows []Record) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.NoError(t, err)
}
