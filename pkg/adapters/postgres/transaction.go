package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("txState(%d)", int(s))
	}
}

// Transaction is an open transaction borrowing its Client's connection and
// statement cache. Statements it prepares stay cached on the Client after
// the transaction ends, whether it commits or rolls back.
//
// A Transaction is finalized by exactly one Commit or Rollback; every call
// after that fails with apperrors.ErrInvalidScopeState. Begin opens a
// savepoint that borrows the Transaction the same way the Transaction
// borrows its Client.
type Transaction struct {
	tx     pgx.Tx
	parent *Client
	outer  *Transaction // nil for the top-level transaction
	child  *Transaction
	cache  *StatementCache
	state  txState
	logger *zap.Logger
}

func (t *Transaction) open() bool {
	return t.state == txOpen
}

func (t *Transaction) usable() error {
	if t.state != txOpen {
		return fmt.Errorf("%w: transaction is %s", apperrors.ErrInvalidScopeState, t.state)
	}
	if t.child != nil {
		return fmt.Errorf("%w: savepoint is open", apperrors.ErrClientBorrowed)
	}
	return nil
}

// finish moves to a terminal state and hands the borrow back.
func (t *Transaction) finish(state txState) {
	t.state = state
	if t.outer != nil {
		if t.outer.child == t {
			t.outer.child = nil
		}
		return
	}
	if t.parent != nil && t.parent.tx == t {
		t.parent.tx = nil
	}
}

// closeChildren marks every open savepoint below t as finished without a
// round trip; the server finalizes them together with t.
func (t *Transaction) closeChildren(state txState) {
	for c := t.child; c != nil; c = c.child {
		c.state = state
	}
	t.child = nil
}

// rollbackAll rolls t back together with any savepoints still open below it.
func (t *Transaction) rollbackAll(ctx context.Context) error {
	if !t.open() {
		return nil
	}
	t.closeChildren(txRolledBack)
	return t.Rollback(ctx)
}

// StatementCache returns the parent client's cache.
func (t *Transaction) StatementCache() *StatementCache {
	return t.cache
}

// Prepare is Client.Prepare against the same cache, compiled inside the transaction.
func (t *Transaction) Prepare(ctx context.Context, query string) (*pgconn.StatementDescription, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.parent.prepareCached(ctx, t.tx.Prepare, query)
}

// Begin starts a savepoint inside this transaction. The returned
// Transaction shares the statement cache; this one is borrowed until the
// savepoint is committed (released) or rolled back.
func (t *Transaction) Begin(ctx context.Context) (*Transaction, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}

	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTransactionStart, err)
	}

	nested := &Transaction{
		tx:     sp,
		parent: t.parent,
		outer:  t,
		cache:  t.cache,
		state:  txOpen,
		logger: t.logger,
	}
	t.child = nested
	return nested, nil
}

// Exec passes through to the transaction.
func (t *Transaction) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if err := t.usable(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return t.tx.Exec(ctx, sql, arguments...)
}

// Query passes through to the transaction.
func (t *Transaction) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.tx.Query(ctx, sql, args...)
}

// QueryRow passes through to the transaction.
func (t *Transaction) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := t.usable(); err != nil {
		return errRow{err: err}
	}
	return t.tx.QueryRow(ctx, sql, args...)
}

// SendBatch passes through to the transaction.
func (t *Transaction) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if err := t.usable(); err != nil {
		return errBatchResults{err: err}
	}
	return t.tx.SendBatch(ctx, b)
}

// CopyFrom passes through to the transaction.
func (t *Transaction) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	return t.tx.CopyFrom(ctx, tableName, columnNames, rowSrc)
}

// Commit commits the transaction, or releases it if it is a savepoint. The
// transaction is finalized even when the commit fails; no retry is attempted.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	err := t.tx.Commit(ctx)
	t.finish(txCommitted)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrCommit, err)
	}
	return nil
}

// Rollback discards the transaction's effects. Cached statements are kept.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	err := t.tx.Rollback(ctx)
	t.finish(txRolledBack)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrRollback, err)
	}
	return nil
}
