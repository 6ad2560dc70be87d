package batchwrite

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchwrite/coordinator/internal/bwerrors"
	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/codec"
	"github.com/batchwrite/coordinator/internal/dataset"
	"github.com/batchwrite/coordinator/internal/kvclient"
	"github.com/batchwrite/coordinator/internal/wire"
)

// fakeMeta is an in-memory catalog.Client backed by a single fixed table
// descriptor and a simple in-process auto-id counter.
type fakeMeta struct {
	table  *catalog.TableInfo
	nextID int64
}

func (m *fakeMeta) GetTable(ctx context.Context, db, table string) (*catalog.TableInfo, error) {
	return m.table, nil
}

func (m *fakeMeta) AllocAutoID(ctx context.Context, dbID, tableID int64, n uint64, unsigned bool) (int64, error) {
	base := m.nextID
	m.nextID += int64(n)
	return base, nil
}

type fakePD struct {
	ts      int64
	regions []*wire.Region
}

func (p *fakePD) GetTS(ctx context.Context) (int64, error) {
	p.ts++
	return p.ts, nil
}

func (p *fakePD) GetRegionByKey(ctx context.Context, key []byte) (*wire.Region, error) {
	return p.regions[0], nil
}

func (p *fakePD) GetRegionsByTable(ctx context.Context, tableID int64) ([]*wire.Region, error) {
	return p.regions, nil
}

func (p *fakePD) ScatterRegion(ctx context.Context, regionID uint64) error { return nil }
func (p *fakePD) SplitRegion(ctx context.Context, start, end []byte) error { return nil }
func (p *fakePD) Close()                                                  {}

func singleRegionPD() *fakePD {
	return &fakePD{regions: []*wire.Region{{Id: 1, EndKey: nil}}}
}

// fakeKVStore is the shared backing state behind every fakeKVClient a
// fakeFactory hands out: committed data is visible to snapshots taken at
// or after its commit, uncommitted prewrites never are.
type fakeKVStore struct {
	committed map[string][]byte
	pending   map[string][]byte
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{committed: make(map[string][]byte), pending: make(map[string][]byte)}
}

type fakeKVClient struct {
	store *fakeKVStore
}

func (c *fakeKVClient) Snapshot(startTs uint64) kvclient.Snapshot {
	return &fakeSnapshot{store: c.store}
}

func (c *fakeKVClient) PrewritePrimary(ctx context.Context, backoff time.Duration, key, value []byte, startTs, ttlMs uint64) error {
	c.store.pending[string(key)] = value
	return nil
}

func (c *fakeKVClient) PrewriteSecondaries(ctx context.Context, primaryKey []byte, mutations []kvclient.KVMutation, startTs, ttlMs uint64) error {
	for _, m := range mutations {
		c.store.pending[string(m.Key)] = m.Value
	}
	return nil
}

func (c *fakeKVClient) CommitPrimary(ctx context.Context, backoff time.Duration, key []byte, startTs, commitTs uint64) error {
	return c.commitKey(key)
}

func (c *fakeKVClient) CommitSecondaries(ctx context.Context, keys [][]byte, startTs, commitTs uint64) error {
	for _, k := range keys {
		if err := c.commitKey(k); err != nil {
			return err
		}
	}
	return nil
}

// commitKey moves a prewritten key into committed state. An empty value
// models Op_Del: the store tombstones it, so the fake removes the key
// entirely rather than recording an empty-value entry, matching how a
// real commit of a delete leaves nothing for a later BatchGet to see.
func (c *fakeKVClient) commitKey(key []byte) error {
	v, ok := c.store.pending[string(key)]
	if !ok {
		return errors.Errorf("fake kv: commit of un-prewritten key %x", key)
	}
	if len(v) == 0 {
		delete(c.store.committed, string(key))
		return nil
	}
	c.store.committed[string(key)] = v
	return nil
}

func (c *fakeKVClient) TxnHeartBeat(ctx context.Context, primaryKey []byte, startTs, newTTLMs uint64) error {
	return nil
}

func (c *fakeKVClient) SupportsTTLUpdate() bool { return true }

func (c *fakeKVClient) Close() error { return nil }

type fakeSnapshot struct {
	store *fakeKVStore
}

func (s *fakeSnapshot) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := s.store.committed[string(k)]; ok && len(v) > 0 {
			out[string(k)] = v
		}
	}
	return out, nil
}

type fakeKVFactory struct {
	store *fakeKVStore
}

func (f *fakeKVFactory) NewClient(ctx context.Context) (kvclient.Client, error) {
	return &fakeKVClient{store: f.store}, nil
}

func mustRow(db *fakeKVStore, table *catalog.TableInfo, handle int64, values []types.Datum) {
	value, err := codec.EncodeRowValue(columnSpecsForTest(table), values, table.PKIsHandle)
	if err != nil {
		panic(err)
	}
	key := codec.EncodeRowKey(table.TableID, handle)
	db.committed[string(key)] = value
}

func columnSpecsForTest(table *catalog.TableInfo) []codec.ColumnSpec {
	specs := make([]codec.ColumnSpec, len(table.Columns))
	for i, c := range table.Columns {
		specs[i] = codec.ColumnSpec{Offset: c.Offset, IsHandle: table.PKIsHandle && c.Offset == table.HandleColOffset}
	}
	return specs
}

// TestWriteFreshInsertNoPKHandleNoIndices covers spec scenario E1: a table
// with no declared pk-handle and no indices, writing two brand-new rows.
// Handles are allocated contiguously by C2 and both rows must be readable
// after Write returns.
func TestWriteFreshInsertNoPKHandleNoIndices(t *testing.T) {
	table := &catalog.TableInfo{
		TableID: 1,
		Columns: []catalog.ColumnInfo{
			{Name: "a", Offset: 0},
			{Name: "b", Offset: 1},
		},
	}
	meta := &fakeMeta{table: table, nextID: 500}
	store := newFakeKVStore()
	pd := singleRegionPD()
	coord := &Coordinator{Meta: meta, PD: pd, KV: &fakeKVFactory{store: store}}

	ds := dataset.New([]dataset.Record{
		{"a": int64(1), "b": int64(2)},
		{"a": int64(3), "b": int64(4)},
	}, 1)

	opts := Options{WriteConcurrency: 2, IsTest: true}
	err := coord.Write(context.Background(), ds, Target{Database: "db", Table: "t"}, opts)
	require.NoError(t, err)

	var rowKeys int
	for k := range store.committed {
		if codec.IsRowKey([]byte(k)) {
			rowKeys++
		}
	}
	assert.Equal(t, 2, rowKeys)

	h1 := codec.EncodeRowKey(table.TableID, 500)
	h2 := codec.EncodeRowKey(table.TableID, 501)
	assert.Contains(t, store.committed, string(h1))
	assert.Contains(t, store.committed, string(h2))
}

// TestWriteReplaceOnUniqueIndexConflict covers spec scenario E2: a replace
// write over a row that already occupies a unique index value must
// overwrite the existing row in place rather than erroring.
func TestWriteReplaceOnUniqueIndexConflict(t *testing.T) {
	table := &catalog.TableInfo{
		TableID:    1,
		PKIsHandle: true,
		Columns: []catalog.ColumnInfo{
			{Name: "id", Offset: 0},
			{Name: "uk", Offset: 1},
			{Name: "v", Offset: 2},
		},
		Indices: []catalog.IndexInfo{
			{ID: 1, Name: "uk_uk", Unique: true, Columns: []int{1}},
		},
	}
	meta := &fakeMeta{table: table}
	store := newFakeKVStore()
	mustRow(store, table, 1, []types.Datum{types.NewIntDatum(1), types.NewIntDatum(10), types.NewStringDatum("a")})
	ukKey, err := codec.EncodeUniqueIndexKey(table.TableID, 1, []types.Datum{types.NewIntDatum(10)})
	require.NoError(t, err)
	store.committed[string(ukKey)] = codec.EncodeHandle(1)

	pd := singleRegionPD()
	coord := &Coordinator{Meta: meta, PD: pd, KV: &fakeKVFactory{store: store}}

	ds := dataset.New([]dataset.Record{
		{"id": int64(1), "uk": int64(10), "v": "b"},
	}, 1)

	opts := Options{WriteConcurrency: 1, Replace: true, IsTest: true}
	err = coord.Write(context.Background(), ds, Target{Database: "db", Table: "t"}, opts)
	require.NoError(t, err)

	rowKey := codec.EncodeRowKey(table.TableID, 1)
	decoded, err := codec.DecodeRowValue(store.committed[string(rowKey)], 1, columnSpecsForTest(table))
	require.NoError(t, err)
	assert.EqualValues(t, 10, decoded[1].GetInt64())
	assert.Equal(t, "b", decoded[2].GetString())

	uidxValue := store.committed[string(ukKey)]
	h, err := codec.DecodeHandleFromUniqueIndex(uidxValue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h)
}

// TestWriteRejectsUniqueIndexConflictWithoutReplace covers spec scenario
// E3: the same setup as E2 but with replace disabled must fail with a
// conflict error and leave the store untouched.
func TestWriteRejectsUniqueIndexConflictWithoutReplace(t *testing.T) {
	table := &catalog.TableInfo{
		TableID:    1,
		PKIsHandle: true,
		Columns: []catalog.ColumnInfo{
			{Name: "id", Offset: 0},
			{Name: "uk", Offset: 1},
			{Name: "v", Offset: 2},
		},
		Indices: []catalog.IndexInfo{
			{ID: 1, Name: "uk_uk", Unique: true, Columns: []int{1}},
		},
	}
	meta := &fakeMeta{table: table}
	store := newFakeKVStore()
	mustRow(store, table, 1, []types.Datum{types.NewIntDatum(1), types.NewIntDatum(10), types.NewStringDatum("a")})
	ukKey, err := codec.EncodeUniqueIndexKey(table.TableID, 1, []types.Datum{types.NewIntDatum(10)})
	require.NoError(t, err)
	store.committed[string(ukKey)] = codec.EncodeHandle(1)
	before := append([]byte{}, store.committed[string(codec.EncodeRowKey(table.TableID, 1))]...)

	pd := singleRegionPD()
	coord := &Coordinator{Meta: meta, PD: pd, KV: &fakeKVFactory{store: store}}

	ds := dataset.New([]dataset.Record{
		{"id": int64(1), "uk": int64(10), "v": "b"},
	}, 1)

	opts := Options{WriteConcurrency: 1, Replace: false, IsTest: true}
	err = coord.Write(context.Background(), ds, Target{Database: "db", Table: "t"}, opts)
	assert.True(t, bwerrors.IsConflict(err))

	after := store.committed[string(codec.EncodeRowKey(table.TableID, 1))]
	assert.Equal(t, before, after)
}

// TestWriteAutoIncrementAllocation covers spec scenario E6: an omitted
// auto-increment column is filled from the allocator in input order.
func TestWriteAutoIncrementAllocation(t *testing.T) {
	table := &catalog.TableInfo{
		TableID:    1,
		PKIsHandle: true,
		Columns: []catalog.ColumnInfo{
			{Name: "id", Offset: 0, IsAutoIncrement: true},
			{Name: "v", Offset: 1},
		},
		HandleColOffset: 0,
	}
	meta := &fakeMeta{table: table, nextID: 777}
	store := newFakeKVStore()
	pd := singleRegionPD()
	coord := &Coordinator{Meta: meta, PD: pd, KV: &fakeKVFactory{store: store}}

	ds := dataset.New([]dataset.Record{
		{"v": "x"},
		{"v": "y"},
		{"v": "z"},
	}, 1)

	opts := Options{WriteConcurrency: 1, IsTest: true}
	err := coord.Write(context.Background(), ds, Target{Database: "db", Table: "t"}, opts)
	require.NoError(t, err)

	for i, want := range []string{"x", "y", "z"} {
		rowKey := codec.EncodeRowKey(table.TableID, 777+int64(i))
		value, ok := store.committed[string(rowKey)]
		require.True(t, ok)
		decoded, err := codec.DecodeRowValue(value, 777+int64(i), columnSpecsForTest(table))
		require.NoError(t, err)
		assert.Equal(t, want, decoded[1].GetString())
	}
}

// TestWriteInsertOverDeleteMerge covers spec scenario E4: two input rows
// share a unique index value; C4 keeps one, and C5 discovers that value
// already belongs to a third, pre-existing row. The final KV set must
// put the kept row and its unique-index entry, delete the pre-existing
// row, and never carry the same key as both a put and a delete.
func TestWriteInsertOverDeleteMerge(t *testing.T) {
	table := &catalog.TableInfo{
		TableID: 1,
		Columns: []catalog.ColumnInfo{
			{Name: "a", Offset: 0},
			{Name: "uk", Offset: 1},
		},
		Indices: []catalog.IndexInfo{
			{ID: 1, Name: "uk_uk", Unique: true, Columns: []int{1}},
		},
	}
	const oldHandle = 50
	meta := &fakeMeta{table: table, nextID: 100}
	store := newFakeKVStore()
	mustRow(store, table, oldHandle, []types.Datum{types.NewStringDatum("old"), types.NewIntDatum(5)})
	ukKey, err := codec.EncodeUniqueIndexKey(table.TableID, 1, []types.Datum{types.NewIntDatum(5)})
	require.NoError(t, err)
	store.committed[string(ukKey)] = codec.EncodeHandle(oldHandle)

	pd := singleRegionPD()
	coord := &Coordinator{Meta: meta, PD: pd, KV: &fakeKVFactory{store: store}}

	ds := dataset.New([]dataset.Record{
		{"a": "x", "uk": int64(5)},
		{"a": "y", "uk": int64(5)},
	}, 1)

	opts := Options{WriteConcurrency: 1, Replace: true, IsTest: true}
	err = coord.Write(context.Background(), ds, Target{Database: "db", Table: "t"}, opts)
	require.NoError(t, err)

	oldRowKey := codec.EncodeRowKey(table.TableID, oldHandle)
	_, stillThere := store.committed[string(oldRowKey)]
	assert.False(t, stillThere, "pre-existing row at the superseded handle must be deleted")

	h, err := codec.DecodeHandleFromUniqueIndex(store.committed[string(ukKey)])
	require.NoError(t, err)
	assert.NotEqual(t, int64(oldHandle), h, "unique index must now point at the kept row, not the deleted one")

	keptRowKey := codec.EncodeRowKey(table.TableID, h)
	_, keptRowExists := store.committed[string(keptRowKey)]
	assert.True(t, keptRowExists)
}

func TestWriteRejectsPartitionedTable(t *testing.T) {
	table := &catalog.TableInfo{TableID: 1, Partitioned: true}
	coord := &Coordinator{Meta: &fakeMeta{table: table}, PD: singleRegionPD(), KV: &fakeKVFactory{store: newFakeKVStore()}}

	err := coord.Write(context.Background(), dataset.New(nil, 1), Target{Database: "db", Table: "t"}, Options{})
	assert.Equal(t, bwerrors.ErrTablePartitioned, errors.Cause(err))
}

func TestWriteRejectsGeneratedColumnTable(t *testing.T) {
	table := &catalog.TableInfo{TableID: 1, Columns: []catalog.ColumnInfo{{Name: "g", Generated: true}}}
	coord := &Coordinator{Meta: &fakeMeta{table: table}, PD: singleRegionPD(), KV: &fakeKVFactory{store: newFakeKVStore()}}

	err := coord.Write(context.Background(), dataset.New(nil, 1), Target{Database: "db", Table: "t"}, Options{})
	assert.Equal(t, bwerrors.ErrGeneratedColumn, errors.Cause(err))
}
