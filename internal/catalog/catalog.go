// Package catalog models the database/table metadata collaborator: table
// descriptors, column and index info, and the client contract used to fetch
// them and to allocate auto-increment ranges. The real catalog service is
// out of scope (spec.md "Out of scope"); only its interface is relevant
// here, shaped after pingcap/tidb's own table-info fields.
package catalog

import (
	"context"

	"github.com/pingcap/tidb/types"
)

// ColumnInfo describes one column of a table, in declaration order.
type ColumnInfo struct {
	Name            string
	Offset          int
	Type            types.FieldType
	Nullable        bool
	IsAutoIncrement bool
	Generated       bool
}

// IndexInfo describes one index. Columns holds the column offsets that
// make up the index key, in index order.
type IndexInfo struct {
	ID      int64
	Name    string
	Unique  bool
	Columns []int
}

// TableInfo is the immutable-for-the-duration-of-one-write table
// descriptor read from the catalog.
type TableInfo struct {
	DBID            int64
	TableID         int64
	Name            string
	UpdateTimestamp int64
	Columns         []ColumnInfo
	Indices         []IndexInfo
	PKIsHandle      bool
	HandleColOffset int
	Partitioned     bool
}

// ColumnByName returns the column descriptor with the given name
// (case-insensitive), or ok=false if it does not exist.
func (t *TableInfo) ColumnByName(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if equalFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// HasGeneratedColumn reports whether any column is a generated column.
func (t *TableInfo) HasGeneratedColumn() bool {
	for _, c := range t.Columns {
		if c.Generated {
			return true
		}
	}
	return false
}

// AutoIncrementColumn returns the table's auto-increment column, if any.
func (t *TableInfo) AutoIncrementColumn() (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if c.IsAutoIncrement {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// UniqueIndices returns only the unique indices, preserving order.
func (t *TableInfo) UniqueIndices() []IndexInfo {
	var out []IndexInfo
	for _, idx := range t.Indices {
		if idx.Unique {
			out = append(out, idx)
		}
	}
	return out
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

// Client is the catalog/meta collaborator: table descriptors and
// auto-increment allocation.
type Client interface {
	// GetTable resolves a (database, table) pair to its descriptor.
	GetTable(ctx context.Context, db, table string) (*TableInfo, error)
	// AllocAutoID reserves a contiguous range of n ids for dbID/tableID and
	// returns the first id in the range.
	AllocAutoID(ctx context.Context, dbID, tableID int64, n uint64, unsigned bool) (int64, error)
}
