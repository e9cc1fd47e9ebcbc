package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrate/internal/ingest"
)

// result is what the scripted connection answers for a statement.
type result struct {
	cols []string
	rows [][]driver.Value
	err  error
}

// scriptConn answers statements by substring match and records what it ran.
type scriptConn struct {
	script     map[string]result
	ran        []string
	args       [][]driver.NamedValue
	committed  bool
	rolledBack bool
}

func (c *scriptConn) answer(query string, args []driver.NamedValue) result {
	c.ran = append(c.ran, query)
	c.args = append(c.args, args)
	for frag, r := range c.script {
		if strings.Contains(query, frag) {
			return r
		}
	}
	return result{err: errors.New("unscripted statement: " + query)}
}

func (c *scriptConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *scriptConn) Close() error                        { return nil }
func (c *scriptConn) Begin() (driver.Tx, error)           { return scriptTx{c}, nil }

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return scriptTx{c}, nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	r := c.answer(query, args)
	if r.err != nil {
		return nil, r.err
	}
	return &scriptRows{cols: r.cols, rows: r.rows}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	r := c.answer(query, args)
	if r.err != nil {
		return nil, r.err
	}
	return driver.RowsAffected(len(r.rows)), nil
}

type scriptTx struct{ c *scriptConn }

func (t scriptTx) Commit() error   { t.c.committed = true; return nil }
func (t scriptTx) Rollback() error { t.c.rolledBack = true; return nil }

type scriptRows struct {
	cols []string
	rows [][]driver.Value
}

func (r *scriptRows) Columns() []string { return r.cols }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}

type scriptConnector struct{ c *scriptConn }

func (s scriptConnector) Connect(context.Context) (driver.Conn, error) { return s.c, nil }
func (s scriptConnector) Driver() driver.Driver                       { return scriptDriver{} }

type scriptDriver struct{}

func (scriptDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use the connector") }

func scriptedStore(t *testing.T, script map[string]result) (*Store, *scriptConn) {
	t.Helper()
	conn := &scriptConn{script: script}
	sqlDB := sql.OpenDB(scriptConnector{conn})
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(sqlDB), conn
}

func lockResult(ok bool) result {
	return result{cols: []string{"pg_try_advisory_xact_lock"}, rows: [][]driver.Value{{ok}}}
}

func TestAcquireFetchMarkerOnEmptyTableTakesAdvisoryLock(t *testing.T) {
	store, conn := scriptedStore(t, map[string]result{
		"pg_try_advisory_xact_lock": lockResult(true),
		"FOR UPDATE NOWAIT":         {cols: []string{"id", "age"}},
		"INSERT INTO fetch_markers": {cols: []string{"id"}, rows: [][]driver.Value{{int64(1)}}},
	})

	id, err := store.AcquireFetchMarker(context.Background(), 30*time.Second)

	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.True(t, conn.committed)
	require.Len(t, conn.ran, 3)
	assert.Contains(t, conn.ran[0], "pg_try_advisory_xact_lock")
	require.Len(t, conn.args[0], 1)
	assert.Equal(t, fetchMarkerLockKey, conn.args[0][0].Value)
	assert.NotEqual(t, headwayLockKey, fetchMarkerLockKey)
}

func TestAcquireFetchMarkerSkips(t *testing.T) {
	tests := map[string]map[string]result{
		"advisory lock held": {
			"pg_try_advisory_xact_lock": lockResult(false),
		},
		"marker row locked": {
			"pg_try_advisory_xact_lock": lockResult(true),
			"FOR UPDATE NOWAIT":         {err: &pgconn.PgError{Code: codeLockNotAvailable}},
		},
		"marker too young": {
			"pg_try_advisory_xact_lock": lockResult(true),
			"FOR UPDATE NOWAIT":         {cols: []string{"id", "age"}, rows: [][]driver.Value{{int64(7), float64(5)}}},
		},
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			store, conn := scriptedStore(t, script)

			_, err := store.AcquireFetchMarker(context.Background(), 30*time.Second)

			assert.ErrorIs(t, err, ingest.ErrRateLimited)
			assert.False(t, conn.committed)
			assert.True(t, conn.rolledBack)
			for _, q := range conn.ran {
				assert.NotContains(t, q, "INSERT")
			}
		})
	}
}

func TestAcquireFetchMarkerAfterInterval(t *testing.T) {
	store, conn := scriptedStore(t, map[string]result{
		"pg_try_advisory_xact_lock": lockResult(true),
		"FOR UPDATE NOWAIT":         {cols: []string{"id", "age"}, rows: [][]driver.Value{{int64(7), float64(31)}}},
		"INSERT INTO fetch_markers": {cols: []string{"id"}, rows: [][]driver.Value{{int64(8)}}},
	})

	id, err := store.AcquireFetchMarker(context.Background(), 30*time.Second)

	require.NoError(t, err)
	assert.Equal(t, int64(8), id)
	assert.True(t, conn.committed)
}
