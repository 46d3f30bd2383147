package engine

import (
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/zhubert/sqlite-sidecar/protocol"
)

// listTables returns user table names in name order. Internal sqlite_*
// tables are excluded.
func listTables(conn *sqlite3.Conn) ([]string, error) {
	stmt, _, err := conn.Prepare(
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, protocol.ErrSQL(err)
	}
	defer stmt.Close()

	tables := []string{}
	for stmt.Step() {
		tables = append(tables, stmt.ColumnText(0))
	}
	if err := stmt.Err(); err != nil {
		return nil, protocol.ErrSQL(err)
	}
	return tables, nil
}

// listColumns returns one table's column metadata in schema-declaration
// order. PRAGMA table_info cannot take a bound parameter, so the table name
// is validated as a bare identifier before interpolation.
func listColumns(conn *sqlite3.Conn, table string) ([]protocol.ColumnMeta, error) {
	if !isSafeIdentifier(table) {
		return nil, protocol.ErrInvalidRequest("invalid table identifier: %s", table)
	}

	stmt, _, err := conn.Prepare(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, protocol.ErrSQL(err)
	}
	defer stmt.Close()

	columns := []protocol.ColumnMeta{}
	for stmt.Step() {
		// table_info columns: cid, name, type, notnull, dflt_value, pk
		meta := protocol.ColumnMeta{Name: stmt.ColumnText(1)}
		if decl := stmt.ColumnText(2); decl != "" {
			d := decl
			meta.DeclType = &d
		}
		columns = append(columns, meta)
	}
	if err := stmt.Err(); err != nil {
		return nil, protocol.ErrSQL(err)
	}
	return columns, nil
}

// isSafeIdentifier reports whether s matches [A-Za-z_][A-Za-z0-9_]*, the
// subset safe to interpolate into SQL text.
func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isSafeTableRef reports whether s is a bare identifier or a schema.table
// reference with exactly one dot, each segment a safe identifier. Used where
// a table reference is interpolated into SELECT text.
func isSafeTableRef(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return false
	}
	for _, part := range parts {
		if !isSafeIdentifier(part) {
			return false
		}
	}
	return true
}
