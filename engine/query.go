package engine

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/zhubert/sqlite-sidecar/protocol"
)

// runQuery executes a read-only statement, reading at most limit rows.
// When an offset is requested the statement is wrapped in
// SELECT * FROM (sql) LIMIT n OFFSET m so callers never have to edit their
// SQL to page; column metadata is still captured from the original prepared
// statement, so it is identical across pages of the same query shape.
// Truncated is true iff more rows existed than were returned, with
// NextOffset pointing at the first unread row.
func runQuery(conn *sqlite3.Conn, sql string, limit int, offset *int) (*protocol.QueryResult, error) {
	stmt, err := prepareSingle(conn, sql)
	if err != nil {
		return nil, err
	}

	if !stmt.ReadOnly() {
		stmt.Close()
		return nil, protocol.ErrNotReadonly()
	}

	columns := columnMetadata(stmt)

	base := 0
	if offset != nil {
		base = *offset
		stmt.Close()
		// limit+1 so one extra row, if any, proves truncation.
		wrapped := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d OFFSET %d", trimStatement(sql), limit+1, base)
		stmt, err = prepareSingle(conn, wrapped)
		if err != nil {
			return nil, err
		}
	}
	defer stmt.Close()

	result := &protocol.QueryResult{Columns: columns, Rows: []protocol.Row{}}
	for stmt.Step() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			next := base + len(result.Rows)
			result.NextOffset = &next
			break
		}
		row, err := scanRow(stmt, columns)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	if !result.Truncated {
		if err := stmt.Err(); err != nil {
			return nil, protocol.ErrSQL(err)
		}
	}

	return result, nil
}

// runExecute runs a mutating statement and reports the affected-row count
// and, when the statement actually inserted, the new row id.
func runExecute(conn *sqlite3.Conn, sql string) (*protocol.ExecResult, error) {
	stmt, err := prepareSingle(conn, sql)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	before := conn.LastInsertRowID()
	if err := stmt.Exec(); err != nil {
		return nil, protocol.ErrSQL(err)
	}

	result := &protocol.ExecResult{Changes: conn.Changes()}
	// A non-INSERT leaves the connection's last rowid untouched; only a
	// changed value is a rowid this statement produced.
	if id := conn.LastInsertRowID(); id != before {
		result.LastInsertRowID = &id
	}
	return result, nil
}

// prepareSingle compiles sql and rejects input containing more than one
// statement. Running only a prefix of what the caller sent would be a silent
// surprise.
func prepareSingle(conn *sqlite3.Conn, sql string) (*sqlite3.Stmt, error) {
	stmt, tail, err := conn.Prepare(sql)
	if err != nil {
		return nil, protocol.ErrSQL(err)
	}
	if stmt == nil {
		return nil, protocol.ErrSQL(fmt.Errorf("empty statement"))
	}
	if strings.TrimSpace(tail) != "" {
		stmt.Close()
		return nil, protocol.ErrSQL(fmt.Errorf("only a single statement is allowed"))
	}
	return stmt, nil
}

// columnMetadata captures column names and declared types from a prepared
// statement, before any row iteration. Ordering defines the canonical column
// order for every row of the result.
func columnMetadata(stmt *sqlite3.Stmt) []protocol.ColumnMeta {
	n := stmt.ColumnCount()
	columns := make([]protocol.ColumnMeta, n)
	for i := 0; i < n; i++ {
		meta := protocol.ColumnMeta{Name: stmt.ColumnName(i)}
		if decl := stmt.ColumnDeclType(i); decl != "" {
			d := decl
			meta.DeclType = &d
			s := decl
			meta.SqliteType = &s
		}
		columns[i] = meta
	}
	return columns
}

// scanRow converts the current row to its JSON-safe representation:
// INTEGER and REAL become numbers, TEXT a string, NULL null, and BLOB a
// tagged object carrying base64 plus the true byte length. Non-finite floats
// are a hard error rather than a silent coercion, since they cannot
// round-trip through JSON.
func scanRow(stmt *sqlite3.Stmt, columns []protocol.ColumnMeta) (protocol.Row, error) {
	row := make(protocol.Row, len(columns))
	for i, col := range columns {
		switch stmt.ColumnType(i) {
		case sqlite3.NULL:
			row[col.Name] = nil
		case sqlite3.INTEGER:
			row[col.Name] = stmt.ColumnInt64(i)
		case sqlite3.FLOAT:
			f := stmt.ColumnFloat(i)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, protocol.ErrInvalidNumber(col.Name)
			}
			row[col.Name] = f
		case sqlite3.TEXT:
			row[col.Name] = stmt.ColumnText(i)
		case sqlite3.BLOB:
			b := stmt.ColumnBlob(i, nil)
			row[col.Name] = protocol.Blob{
				Type:   "blob",
				Base64: base64.StdEncoding.EncodeToString(b),
				Size:   len(b),
			}
		default:
			row[col.Name] = nil
		}
	}
	return row, nil
}

// trimStatement strips surrounding whitespace and trailing semicolons so a
// statement can be embedded as a subquery.
func trimStatement(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
}

// effectiveLimit clamps a requested row limit to [1, max], defaulting to max.
func effectiveLimit(requested *int, max int) int {
	limit := max
	if requested != nil {
		limit = *requested
	}
	if limit > max {
		limit = max
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
