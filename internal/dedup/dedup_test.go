package dedup

import (
	"testing"

	"github.com/pingcap/tidb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchwrite/coordinator/internal/catalog"
	"github.com/batchwrite/coordinator/internal/normalize"
	"github.com/batchwrite/coordinator/internal/rowset"
)

func wrapped(handle int64, values ...types.Datum) rowset.WrappedRow {
	return rowset.WrappedRow{Row: normalize.Row{Values: values}, Handle: handle}
}

func TestDedupCollapsesDuplicateHandlesKeepingLastWriteWins(t *testing.T) {
	table := &catalog.TableInfo{TableID: 1, PKIsHandle: true}
	rows := []rowset.WrappedRow{
		wrapped(1, types.NewStringDatum("first")),
		wrapped(2, types.NewStringDatum("only")),
		wrapped(1, types.NewStringDatum("last")),
	}

	out, err := Dedup(table, rows)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.EqualValues(t, 1, out[0].Handle)
	assert.Equal(t, "last", out[0].Row.Values[0].GetString())
	assert.EqualValues(t, 2, out[1].Handle)
}

func TestDedupCollapsesDuplicateUniqueIndexValues(t *testing.T) {
	table := &catalog.TableInfo{
		TableID: 1,
		Indices: []catalog.IndexInfo{
			{ID: 1, Name: "uk_email", Unique: true, Columns: []int{0}},
		},
	}
	rows := []rowset.WrappedRow{
		wrapped(1, types.NewStringDatum("a@example.com")),
		wrapped(2, types.NewStringDatum("a@example.com")),
		wrapped(3, types.NewStringDatum("b@example.com")),
	}

	out, err := Dedup(table, rows)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.EqualValues(t, 2, out[0].Handle)
	assert.EqualValues(t, 3, out[1].Handle)
}

func TestDedupIgnoresNonUniqueIndices(t *testing.T) {
	table := &catalog.TableInfo{
		TableID: 1,
		Indices: []catalog.IndexInfo{
			{ID: 1, Name: "idx_city", Unique: false, Columns: []int{0}},
		},
	}
	rows := []rowset.WrappedRow{
		wrapped(1, types.NewStringDatum("nyc")),
		wrapped(2, types.NewStringDatum("nyc")),
	}

	out, err := Dedup(table, rows)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDedupNoKeysMeansNoCollapsing(t *testing.T) {
	table := &catalog.TableInfo{TableID: 1, PKIsHandle: false}
	rows := []rowset.WrappedRow{
		wrapped(1, types.NewStringDatum("x")),
		wrapped(1, types.NewStringDatum("y")),
	}

	out, err := Dedup(table, rows)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
