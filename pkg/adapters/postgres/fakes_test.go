package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn stands in for *pgx.Conn. prepared mirrors the server-side
// statement namespace so tests can see what a reused connection still holds.
// Like pgx, Prepare with a name already holding the same SQL returns the
// stored description without a Parse; parses counts real compiles.
type fakeConn struct {
	mu sync.Mutex

	id             int
	prepared       map[string]*pgconn.StatementDescription
	parses         int
	deallocated    []string
	deallocateAlls int
	deallocateErr  error
	prepareErr     error
	beginErr       error
	commitErr      error
	rollbackErr    error
	pingErr        error
	pings          int
	closed         bool
	execs          []string
	batches        int
	txs            []*fakeTx
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, prepared: make(map[string]*pgconn.StatementDescription)}
}

func (c *fakeConn) Prepare(_ context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sd, ok := c.prepared[name]; ok && sd.SQL == sql {
		return sd, nil
	}
	c.parses++
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	if _, ok := c.prepared[name]; ok {
		return nil, fmt.Errorf("prepared statement %q already exists", name)
	}
	sd := &pgconn.StatementDescription{Name: name, SQL: sql}
	c.prepared[name] = sd
	return sd, nil
}

func (c *fakeConn) Deallocate(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deallocateErr != nil {
		return c.deallocateErr
	}
	c.deallocated = append(c.deallocated, name)
	delete(c.prepared, name)
	return nil
}

func (c *fakeConn) DeallocateAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deallocateErr != nil {
		return c.deallocateErr
	}
	c.deallocateAlls++
	clear(c.prepared)
	return nil
}

func (c *fakeConn) WaitForNotification(context.Context) (*pgconn.Notification, error) {
	return &pgconn.Notification{Channel: "orders", Payload: "42"}, nil
}

func (c *fakeConn) LoadType(_ context.Context, typeName string) (*pgtype.Type, error) {
	return &pgtype.Type{Name: typeName}, nil
}

func (c *fakeConn) TypeMap() *pgtype.Map    { return nil }
func (c *fakeConn) PgConn() *pgconn.PgConn  { return nil }
func (c *fakeConn) Config() *pgx.ConnConfig { return nil }

func (c *fakeConn) preparedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prepared)
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	tx := &fakeTx{conn: c}
	c.txs = append(c.txs, tx)
	return tx, nil
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeConn: Query not supported")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (c *fakeConn) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	return errBatchResults{}
}

func (c *fakeConn) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, rowSrc pgx.CopyFromSource) (int64, error) {
	var n int64
	for rowSrc != nil && rowSrc.Next() {
		n++
	}
	return n, nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// fakeTx implements the pgx.Tx methods the package calls; the embedded
// interface is nil so anything else panics.
type fakeTx struct {
	pgx.Tx
	conn       *fakeConn
	savepoints []*fakeTx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	if t.conn.beginErr != nil {
		return nil, t.conn.beginErr
	}
	sp := &fakeTx{conn: t.conn}
	t.savepoints = append(t.savepoints, sp)
	return sp, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return t.conn.SendBatch(ctx, b)
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return t.conn.CopyFrom(ctx, tableName, columnNames, rowSrc)
}

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return t.conn.Prepare(ctx, name, sql)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.conn.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return t.conn.rollbackErr
}

// fakeConnector hands out numbered fakeConns.
type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeConnector) connect(context.Context, *pgx.ConnConfig) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn(len(f.conns) + 1)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) created() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func newTestManager(t *testing.T, connector *fakeConnector) *Manager {
	t.Helper()
	mgr, err := NewManager("postgres://app@localhost:5432/app?sslmode=disable", zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr.connect = connector.connect
	return mgr
}

func newTestClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn(1)
	client, err := NewClient(conn, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client, conn
}
