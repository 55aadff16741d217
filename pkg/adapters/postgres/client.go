package postgres

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
	"github.com/ekaya-inc/connpool/pkg/logging"
	"github.com/ekaya-inc/connpool/pkg/pool"
	"github.com/ekaya-inc/connpool/pkg/stmtcache"
)

// StatementCache caches statement descriptions by query text for one connection.
type StatementCache = stmtcache.Cache[*pgconn.StatementDescription]

// Client owns one checked-out connection and its statement cache.
//
// A Client is meant for a single goroutine. While a Transaction obtained from
// it is open, every Client method fails with apperrors.ErrClientBorrowed
// until the transaction is committed or rolled back.
type Client struct {
	id     uuid.UUID
	conn   Conn
	cache  *StatementCache
	obj    *pool.Object[Conn] // nil for clients not obtained from a Pool
	tx     *Transaction
	done   bool
	logger *zap.Logger

	// Server-side statement names are namePrefix_seq, unique per compile.
	namePrefix string
	seq        uint64
	// keepOnServer suppresses per-statement DEALLOCATE while the cache is
	// being dropped wholesale.
	keepOnServer bool
}

// NewClient wraps conn with an empty statement cache holding at most
// cacheSize statements (0 means unbounded). Clients from a Pool are created
// by Pool.Get; use this for connections managed elsewhere.
func NewClient(conn Conn, cacheSize int, logger *zap.Logger) (*Client, error) {
	id := uuid.New()
	c := &Client{
		id:         id,
		conn:       conn,
		namePrefix: "connpool_" + hex.EncodeToString(id[:]),
		logger:     logging.OrNop(logger).Named("client").With(zap.String("client_id", id.String())),
	}

	cache, err := stmtcache.NewWithEvict[*pgconn.StatementDescription](cacheSize, c.deallocate)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// ID identifies the client in logs.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// StatementCache exposes the cache for diagnostics (Size) and Clear.
// It is the same instance an open Transaction uses. Clear deallocates the
// dropped statements, so the next Prepare of the same text compiles afresh.
func (c *Client) StatementCache() *StatementCache {
	return c.cache
}

func (c *Client) usable() error {
	if c.done {
		return apperrors.ErrClientReleased
	}
	if c.tx != nil {
		return apperrors.ErrClientBorrowed
	}
	return nil
}

// Prepare returns a prepared statement for query, reusing a cached one if
// this client already prepared the same text.
func (c *Client) Prepare(ctx context.Context, query string) (*pgconn.StatementDescription, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.prepareCached(ctx, c.conn.Prepare, query)
}

// Conn returns the underlying connection for operations the Client does not
// wrap, such as WaitForNotification, LoadType or PgConn. Statements prepared
// on it directly are not cached and are deallocated on Release.
func (c *Client) Conn() (Conn, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// Transaction begins a transaction that borrows this client's connection and
// statement cache until Commit or Rollback.
func (c *Client) Transaction(ctx context.Context) (*Transaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	pgTx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTransactionStart, err)
	}

	tx := &Transaction{
		tx:     pgTx,
		parent: c,
		cache:  c.cache,
		state:  txOpen,
		logger: c.logger,
	}
	c.tx = tx
	return tx, nil
}

// WithTransaction runs fn inside a transaction. The transaction is committed
// when fn returns nil and rolled back when fn returns an error or panics.
// fn may finalize the transaction itself.
func (c *Client) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) (err error) {
	tx, err := c.Transaction(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.rollbackAll(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.rollbackAll(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	if !tx.open() {
		return nil
	}
	// Savepoints left open are released by the commit, as on the server.
	tx.closeChildren(txCommitted)
	return tx.Commit(ctx)
}

// Exec passes through to the connection.
func (c *Client) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if err := c.usable(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return c.conn.Exec(ctx, sql, arguments...)
}

// Query passes through to the connection. sql may be query text or the Name
// of a statement returned by Prepare.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.conn.Query(ctx, sql, args...)
}

// QueryRow passes through to the connection. Errors from a borrowed or
// released client are reported by Scan.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := c.usable(); err != nil {
		return errRow{err: err}
	}
	return c.conn.QueryRow(ctx, sql, args...)
}

// SendBatch passes through to the connection.
func (c *Client) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if err := c.usable(); err != nil {
		return errBatchResults{err: err}
	}
	return c.conn.SendBatch(ctx, b)
}

// CopyFrom passes through to the connection.
func (c *Client) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	return c.conn.CopyFrom(ctx, tableName, columnNames, rowSrc)
}

// Ping passes through to the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.conn.Ping(ctx)
}

// Release rolls back a transaction left open, deallocates this client's
// statements and returns the connection to its pool. If either step fails
// the connection is destroyed instead. Calling Release more than once is a
// no-op.
func (c *Client) Release() {
	if c.done {
		return
	}
	healthy := c.finishOpenTransaction() && c.dropStatements()
	c.done = true

	if c.obj == nil {
		return
	}
	if healthy {
		c.obj.Release()
	} else {
		c.obj.Discard()
	}
}

// Discard destroys the connection instead of returning it to the pool.
func (c *Client) Discard() {
	if c.done {
		return
	}
	c.finishOpenTransaction()
	c.keepOnServer = true
	c.cache.Clear()
	c.done = true
	if c.obj != nil {
		c.obj.Discard()
	}
}

// finishOpenTransaction rolls back a transaction the caller abandoned and
// reports whether the connection is still in a known state.
func (c *Client) finishOpenTransaction() bool {
	if c.tx == nil {
		return true
	}

	c.logger.Warn("transaction left open at release, rolling back")
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.tx.rollbackAll(ctx); err != nil {
		c.logger.Warn("rollback of abandoned transaction failed",
			zap.String("error", logging.SanitizeError(err)),
		)
		c.keepOnServer = true
		c.cache.Clear()
		return false
	}
	return true
}

// dropStatements empties the cache and removes every prepared statement from
// the connection in one round trip, so the next checkout starts clean.
func (c *Client) dropStatements() bool {
	if c.cache.Size() == 0 {
		return true
	}
	c.keepOnServer = true
	c.cache.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.conn.DeallocateAll(ctx); err != nil {
		c.logger.Warn("failed to deallocate statements at release",
			zap.String("error", logging.SanitizeError(err)),
		)
		return false
	}
	return true
}

// deallocate is the cache's eviction callback.
func (c *Client) deallocate(query string, sd *pgconn.StatementDescription) {
	if c.keepOnServer || sd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.conn.Deallocate(ctx, sd.Name); err != nil {
		c.logger.Debug("failed to deallocate statement",
			zap.String("name", sd.Name),
			zap.String("query", logging.SanitizeQuery(query)),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

type prepareFunc func(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)

// prepareCached compiles under a name never used before on this client, so
// a cache miss always reaches the server even if the connection still holds
// an older statement for the same text.
func (c *Client) prepareCached(ctx context.Context, prepare prepareFunc, query string) (*pgconn.StatementDescription, error) {
	return c.cache.GetOrPrepare(ctx, query, func(ctx context.Context, query string) (*pgconn.StatementDescription, error) {
		sd, err := prepare(ctx, c.nextStatementName(), query)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrPrepare, err)
		}
		c.logger.Debug("prepared statement",
			zap.String("name", sd.Name),
			zap.String("query", logging.SanitizeQuery(query)),
		)
		return sd, nil
	})
}

func (c *Client) nextStatementName() string {
	c.seq++
	return c.namePrefix + "_" + strconv.FormatUint(c.seq, 10)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error { return r.err }

type errBatchResults struct {
	err error
}

func (b errBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, b.err }
func (b errBatchResults) Query() (pgx.Rows, error)         { return nil, b.err }
func (b errBatchResults) QueryRow() pgx.Row                { return errRow{err: b.err} }
func (b errBatchResults) Close() error                     { return b.err }
