package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Result is the raw outcome of one statement execution. Rows holds at most
// the cap passed to Execute; TotalRows counts everything the statement
// produced so the caller can report truncation.
type Result struct {
	Columns      []string
	Rows         []map[string]any
	TotalRows    int
	RowsAffected int64
}

// Execute runs a single raw statement against the pool. Row-returning
// statements are scanned up to maxRows while the total is still counted;
// statements without a result set fall back to ExecContext for the
// affected-row count. Cancellation and timeout arrive through ctx.
func Execute(ctx context.Context, db *sql.DB, statement string, maxRows int) (*Result, error) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		// Likely a DML/DDL statement that returns no rows; retry as Exec
		// unless the context already gave out.
		if ctx.Err() != nil {
			return nil, err
		}
		return execOnly(ctx, db, statement)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	if len(columnNames) == 0 {
		rows.Close()
		return execOnly(ctx, db, statement)
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	result := &Result{
		Columns: columnNames,
		Rows:    make([]map[string]any, 0),
	}

	for rows.Next() {
		result.TotalRows++
		if maxRows > 0 && result.TotalRows > maxRows {
			// Past the cap: keep counting, stop materializing.
			continue
		}

		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowMap := make(map[string]any, len(columnNames))
		for i, col := range columnNames {
			val := values[i]
			if b, ok := val.([]byte); ok && isStringType(columnTypes[i].DatabaseTypeName()) {
				val = string(b)
			}
			rowMap[col] = val
		}
		result.Rows = append(result.Rows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func execOnly(ctx context.Context, db *sql.DB, statement string) (*Result, error) {
	execResult, err := db.ExecContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := execResult.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return &Result{RowsAffected: rowsAffected}, nil
}

// isStringType reports whether a SQL Server column type scans as []byte but
// should surface as text.
func isStringType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "CHAR", "VARCHAR", "NCHAR", "NVARCHAR", "TEXT", "NTEXT", "XML", "UNIQUEIDENTIFIER":
		return true
	}
	return false
}
