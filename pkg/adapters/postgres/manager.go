// Package postgres pools pgx connections and wraps each checkout in a Client
// with a prepared-statement cache that transactions share by reference.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
	"github.com/ekaya-inc/connpool/pkg/logging"
	"github.com/ekaya-inc/connpool/pkg/pool"
)

// closeTimeout bounds the graceful Terminate sent when a connection leaves the pool.
const closeTimeout = 5 * time.Second

// Conn is the part of *pgx.Conn used by this package.
type Conn interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Deallocate(ctx context.Context, name string) error
	DeallocateAll(ctx context.Context) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	LoadType(ctx context.Context, typeName string) (*pgtype.Type, error)
	TypeMap() *pgtype.Map
	PgConn() *pgconn.PgConn
	Config() *pgx.ConnConfig
	Close(ctx context.Context) error
	IsClosed() bool
}

var _ Conn = (*pgx.Conn)(nil)

type connectFunc func(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error)

func connectPgx(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager creates and recycles PostgreSQL connections.
// Its configuration is parsed once and only read afterwards.
type Manager struct {
	config  *pgx.ConnConfig
	connect connectFunc
	logger  *zap.Logger
}

// NewManager parses connString (URL or key/value form). TLS and credentials
// are whatever the connection string asks pgx for.
func NewManager(connString string, logger *zap.Logger) (*Manager, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string %s: %w",
			logging.SanitizeConnectionString(connString), err)
	}
	return &Manager{
		config:  cfg,
		connect: connectPgx,
		logger:  logging.OrNop(logger).Named("postgres"),
	}, nil
}

// Create opens a new connection.
//
// pgx reads and writes the socket on the calling goroutine, so there is no
// background driver task to supervise; a broken socket surfaces as an error
// from the next call on the connection or from Recycle.
func (m *Manager) Create(ctx context.Context) (Conn, error) {
	conn, err := m.connect(ctx, m.config)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres %s:%d: %w", apperrors.ErrConnect, m.config.Host, m.config.Port, err)
	}
	m.logger.Debug("opened connection",
		zap.String("host", m.config.Host),
		zap.Uint16("port", m.config.Port),
		zap.String("database", m.config.Database),
	)
	return conn, nil
}

// Recycle runs a trivial round-trip so connections dropped while idle are
// caught before a caller sees them. Any error is terminal for the connection.
func (m *Manager) Recycle(ctx context.Context, conn Conn) error {
	if conn.IsClosed() {
		m.logger.Info("connection could not be recycled: already closed")
		return fmt.Errorf("%w: connection closed", apperrors.ErrHealthCheck)
	}
	if err := conn.Ping(ctx); err != nil {
		m.logger.Info("connection could not be recycled",
			zap.String("error", logging.SanitizeError(err)),
		)
		return fmt.Errorf("%w: %w", apperrors.ErrHealthCheck, err)
	}
	return nil
}

// Destroy closes the connection.
func (m *Manager) Destroy(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		m.logger.Debug("error closing connection",
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

var _ pool.Manager[Conn] = (*Manager)(nil)
