package target

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueryConn scripts one connection's query behavior so executor tests
// can run without a SQL Server.
type fakeQueryConn struct {
	cols     []string
	colTypes []string
	rows     [][]driver.Value
	queryErr error

	execAffected int64
	execErr      error

	blockUntilDone bool
}

func (c *fakeQueryConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c *fakeQueryConn) Close() error                        { return nil }
func (c *fakeQueryConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }

func (c *fakeQueryConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.blockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return &fakeRows{cols: c.cols, colTypes: c.colTypes, rows: c.rows}, nil
}

func (c *fakeQueryConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.execErr != nil {
		return nil, c.execErr
	}
	return driver.RowsAffected(c.execAffected), nil
}

type fakeRows struct {
	cols     []string
	colTypes []string
	rows     [][]driver.Value
	pos      int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func (r *fakeRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < len(r.colTypes) {
		return r.colTypes[index]
	}
	return ""
}

type fakeConnector struct{ conn *fakeQueryConn }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c fakeConnector) Driver() driver.Driver                        { return nil }

func fakeDB(conn *fakeQueryConn) *sql.DB {
	return sql.OpenDB(fakeConnector{conn: conn})
}

func TestExecute_RowsUnderCap(t *testing.T) {
	db := fakeDB(&fakeQueryConn{
		cols:     []string{"id", "name"},
		colTypes: []string{"INT", "NVARCHAR"},
		rows: [][]driver.Value{
			{int64(1), []byte("alice")},
			{int64(2), []byte("bob")},
			{int64(3), []byte("carol")},
		},
	})
	defer db.Close()

	result, err := Execute(context.Background(), db, "SELECT id, name FROM users", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, result.Columns)
	assert.Equal(t, 3, result.TotalRows)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, int64(1), result.Rows[0]["id"])
	assert.Equal(t, "alice", result.Rows[0]["name"], "text columns surface as strings")
}

func TestExecute_CapsRowsButCountsTotal(t *testing.T) {
	rows := make([][]driver.Value, 9)
	for i := range rows {
		rows[i] = []driver.Value{int64(i)}
	}
	db := fakeDB(&fakeQueryConn{cols: []string{"n"}, colTypes: []string{"INT"}, rows: rows})
	defer db.Close()

	result, err := Execute(context.Background(), db, "SELECT n FROM numbers", 4)
	require.NoError(t, err)

	assert.Equal(t, 9, result.TotalRows)
	assert.Len(t, result.Rows, 4)
}

func TestExecute_NoCapWhenZero(t *testing.T) {
	rows := make([][]driver.Value, 5)
	for i := range rows {
		rows[i] = []driver.Value{int64(i)}
	}
	db := fakeDB(&fakeQueryConn{cols: []string{"n"}, colTypes: []string{"INT"}, rows: rows})
	defer db.Close()

	result, err := Execute(context.Background(), db, "SELECT n FROM numbers", 0)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
}

func TestExecute_FallsBackToExecForNonRowStatements(t *testing.T) {
	db := fakeDB(&fakeQueryConn{
		queryErr:     errors.New("statement returns no rows"),
		execAffected: 7,
	})
	defer db.Close()

	result, err := Execute(context.Background(), db, "UPDATE t SET a = 1", 100)
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.RowsAffected)
	assert.Equal(t, 0, result.TotalRows)
	assert.Empty(t, result.Rows)
}

func TestExecute_SurfacesExecError(t *testing.T) {
	db := fakeDB(&fakeQueryConn{
		queryErr: errors.New("bad syntax near FORM"),
		execErr:  errors.New("bad syntax near FORM"),
	})
	defer db.Close()

	_, err := Execute(context.Background(), db, "SELECT * FORM t", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad syntax")
}

func TestExecute_CancelledContextDoesNotRetry(t *testing.T) {
	db := fakeDB(&fakeQueryConn{blockUntilDone: true, execAffected: 99})
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, db, "SELECT long_running()", 100)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}
