package rpcclient

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	tidbmysql "github.com/pingcap/parser/mysql"
	"github.com/pingcap/tidb/types"

	"github.com/batchwrite/coordinator/internal/catalog"
)

// sqlCatalog backs catalog.Client with the compute engine's own metadata
// database, queried over the standard information_schema views plus a
// single coordinator-owned sequence table for auto-increment allocation.
// TiDB's own catalog is itself SQL-DDL-derived, so reading schema this
// way (rather than inventing a bespoke metadata RPC) follows the grain
// of the ecosystem this module sits in.
type sqlCatalog struct {
	db *sql.DB
}

// DialCatalog opens a metadata connection to addr (a go-sql-driver/mysql
// DSN pointing at the engine's schema database).
func DialCatalog(ctx context.Context, addr string) (catalog.Client, error) {
	db, err := sql.Open("mysql", addr)
	if err != nil {
		return nil, errors.Annotate(err, "rpcclient: failed to open catalog connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "rpcclient: catalog connection unreachable")
	}
	return &sqlCatalog{db: db}, nil
}

func (c *sqlCatalog) GetTable(ctx context.Context, db, table string) (*catalog.TableInfo, error) {
	var tableID int64
	var pkIsHandle bool
	var updateTs int64
	err := c.db.QueryRowContext(ctx,
		`SELECT tidb_table_id, pk_is_handle, update_timestamp FROM information_schema.tables
		 WHERE table_schema = ? AND table_name = ?`, db, table).
		Scan(&tableID, &pkIsHandle, &updateTs)
	if err != nil {
		return nil, errors.Annotatef(err, "rpcclient: table %s.%s not found", db, table)
	}

	cols, handleOffset, err := c.loadColumns(ctx, db, table, pkIsHandle)
	if err != nil {
		return nil, errors.Trace(err)
	}
	indices, err := c.loadIndices(ctx, db, table, cols)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &catalog.TableInfo{
		TableID:         tableID,
		Name:            table,
		UpdateTimestamp: updateTs,
		Columns:         cols,
		Indices:         indices,
		PKIsHandle:      pkIsHandle,
		HandleColOffset: handleOffset,
	}, nil
}

func (c *sqlCatalog) loadColumns(ctx context.Context, db, table string, pkIsHandle bool) ([]catalog.ColumnInfo, int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name, ordinal_position-1, is_nullable, extra, column_type
		 FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?
		 ORDER BY ordinal_position`, db, table)
	if err != nil {
		return nil, 0, errors.Annotate(err, "rpcclient: failed to load columns")
	}
	defer rows.Close()

	var cols []catalog.ColumnInfo
	handleOffset := -1
	for rows.Next() {
		var name, isNullable, extra, columnType string
		var offset int
		if err := rows.Scan(&name, &offset, &isNullable, &extra, &columnType); err != nil {
			return nil, 0, errors.Trace(err)
		}
		ft := types.FieldType{Tp: fieldTypeFromColumnType(columnType)}
		col := catalog.ColumnInfo{
			Name:            name,
			Offset:          offset,
			Type:            ft,
			Nullable:        isNullable == "YES",
			IsAutoIncrement: extra == "auto_increment",
		}
		cols = append(cols, col)
		if pkIsHandle && col.IsAutoIncrement {
			handleOffset = offset
		}
	}
	if pkIsHandle && handleOffset < 0 && len(cols) > 0 {
		handleOffset = 0 // integer primary key without AUTO_INCREMENT still occupies offset 0 by convention here
	}
	return cols, handleOffset, rows.Err()
}

func (c *sqlCatalog) loadIndices(ctx context.Context, db, table string, cols []catalog.ColumnInfo) ([]catalog.IndexInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT index_name, non_unique, seq_in_index, column_name
		 FROM information_schema.statistics
		 WHERE table_schema = ? AND table_name = ? AND index_name <> 'PRIMARY'
		 ORDER BY index_name, seq_in_index`, db, table)
	if err != nil {
		return nil, errors.Annotate(err, "rpcclient: failed to load indices")
	}
	defer rows.Close()

	byName := make(map[string]*catalog.IndexInfo)
	var order []string
	for rows.Next() {
		var name, columnName string
		var nonUnique, seq int
		if err := rows.Scan(&name, &nonUnique, &seq, &columnName); err != nil {
			return nil, errors.Trace(err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &catalog.IndexInfo{ID: int64(len(order) + 1), Name: name, Unique: nonUnique == 0}
			byName[name] = idx
			order = append(order, name)
		}
		if off := offsetOf(cols, columnName); off >= 0 {
			idx.Columns = append(idx.Columns, off)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]catalog.IndexInfo, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func offsetOf(cols []catalog.ColumnInfo, name string) int {
	for _, c := range cols {
		if c.Name == name {
			return c.Offset
		}
	}
	return -1
}

// AllocAutoID allocates a contiguous range of n IDs atomically using a
// single coordinator-owned sequence table, the SQL-side analogue of
// TiDB's meta storage auto-ID counter.
func (c *sqlCatalog) AllocAutoID(ctx context.Context, dbID, tableID int64, n uint64, unsigned bool) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Annotate(err, "rpcclient: failed to begin auto-id allocation")
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT next_id FROM batchwrite_auto_id WHERE table_id = ? FOR UPDATE`, tableID).Scan(&current)
	if err != nil {
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO batchwrite_auto_id (table_id, next_id) VALUES (?, 1)`, tableID); execErr != nil {
			return 0, errors.Annotate(execErr, "rpcclient: failed to seed auto-id counter")
		}
		current = 1
	}

	base := current
	next := current + int64(n)
	if _, err := tx.ExecContext(ctx,
		`UPDATE batchwrite_auto_id SET next_id = ? WHERE table_id = ?`, next, tableID); err != nil {
		return 0, errors.Annotate(err, "rpcclient: failed to advance auto-id counter")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Annotate(err, "rpcclient: failed to commit auto-id allocation")
	}
	return base, nil
}

func fieldTypeFromColumnType(columnType string) byte {
	switch {
	case len(columnType) >= 3 && columnType[:3] == "int":
		return tidbmysql.TypeLong
	case len(columnType) >= 7 && columnType[:7] == "bigint(":
		return tidbmysql.TypeLonglong
	case len(columnType) >= 7 && columnType[:7] == "varchar":
		return tidbmysql.TypeVarchar
	case len(columnType) >= 4 && columnType[:4] == "text":
		return tidbmysql.TypeBlob
	case len(columnType) >= 6 && columnType[:6] == "double":
		return tidbmysql.TypeDouble
	default:
		return tidbmysql.TypeVarchar
	}
}
