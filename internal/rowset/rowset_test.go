package rowset

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/handle"
	"github.com/batchwrite/coordinator/internal/normalize"
)

type fakeMeta struct {
	base int64
}

func (f *fakeMeta) GetTable(ctx context.Context, db, table string) (*catalog.TableInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeMeta) AllocAutoID(ctx context.Context, dbID, tableID int64, n uint64, unsigned bool) (int64, error) {
	return f.base, nil
}

func TestAssignHandlesReadsFromHandleColumnWhenPKIsHandle(t *testing.T) {
	table := &catalog.TableInfo{PKIsHandle: true, HandleColOffset: 0}
	rows := []normalize.Row{
		{Values: []types.Datum{types.NewIntDatum(5)}},
		{Values: []types.Datum{types.NewIntDatum(9)}},
	}

	wrapped, err := AssignHandles(context.Background(), table, &handle.Allocator{Meta: &fakeMeta{}}, rows)
	require.NoError(t, err)
	require.Len(t, wrapped, 2)
	assert.EqualValues(t, 5, wrapped[0].Handle)
	assert.EqualValues(t, 9, wrapped[1].Handle)
}

func TestAssignHandlesRejectsNullHandleColumn(t *testing.T) {
	table := &catalog.TableInfo{PKIsHandle: true, HandleColOffset: 0}
	rows := []normalize.Row{{Values: []types.Datum{{}}}}

	_, err := AssignHandles(context.Background(), table, &handle.Allocator{Meta: &fakeMeta{}}, rows)
	assert.Error(t, err)
}

func TestAssignHandlesAllocatesContiguousRangeWhenNotPKHandle(t *testing.T) {
	table := &catalog.TableInfo{PKIsHandle: false}
	rows := []normalize.Row{
		{Values: []types.Datum{types.NewStringDatum("a")}},
		{Values: []types.Datum{types.NewStringDatum("b")}},
		{Values: []types.Datum{types.NewStringDatum("c")}},
	}

	wrapped, err := AssignHandles(context.Background(), table, &handle.Allocator{Meta: &fakeMeta{base: 1000}}, rows)
	require.NoError(t, err)
	require.Len(t, wrapped, 3)
	assert.EqualValues(t, 1000, wrapped[0].Handle)
	assert.EqualValues(t, 1001, wrapped[1].Handle)
	assert.EqualValues(t, 1002, wrapped[2].Handle)
}

func TestAssignHandlesEmptyInputSkipsAllocation(t *testing.T) {
	table := &catalog.TableInfo{PKIsHandle: false}
	wrapped, err := AssignHandles(context.Background(), table, &handle.Allocator{Meta: &fakeMeta{}}, nil)
	require.NoError(t, err)
	assert.Empty(t, wrapped)
}

func TestAssignHandlesHandlesUnsignedHandleColumn(t *testing.T) {
	table := &catalog.TableInfo{PKIsHandle: true, HandleColOffset: 0}
	rows := []normalize.Row{{Values: []types.Datum{types.NewUintDatum(18446744073709551615)}}}

	wrapped, err := AssignHandles(context.Background(), table, &handle.Allocator{Meta: &fakeMeta{}}, rows)
	require.NoError(t, err)
	assert.EqualValues(t, -1, wrapped[0].Handle)
}
