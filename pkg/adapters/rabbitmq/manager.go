// Package rabbitmq adapts AMQP 0-9-1 broker connections to the generic pool.
package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
	"github.com/ekaya-inc/connpool/pkg/logging"
	"github.com/ekaya-inc/connpool/pkg/pool"
)

// closeTimeout bounds how long Destroy waits for the close watcher to exit.
const closeTimeout = 5 * time.Second

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Manager creates broker connections for the pool.
//
// Recycle is intentionally a no-op: AMQP has no cheap request/response round trip
// at the connection level, so a connection that died while idle is handed out
// as-is. The failure surfaces on the next Channel call through Connection.Err.
type Manager struct {
	url    string
	config amqp.Config
	dial   dialFunc
	logger *zap.Logger
}

var _ pool.Manager[*Connection] = (*Manager)(nil)

// NewConfig builds the dial configuration used for every connection.
func NewConfig(heartbeat time.Duration, locale, connectionName string) amqp.Config {
	props := amqp.NewConnectionProperties()
	if connectionName != "" {
		props.SetClientConnectionName(connectionName)
	}
	return amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     locale,
		Properties: props,
	}
}

// NewManager validates the broker URL and returns a Manager for it.
func NewManager(rawURL string, cfg amqp.Config, logger *zap.Logger) (*Manager, error) {
	if _, err := amqp.ParseURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	return &Manager{
		url:    rawURL,
		config: cfg,
		dial:   amqp.DialConfig,
		logger: logging.OrNop(logger).Named("rabbitmq"),
	}, nil
}

// Create dials a new broker connection. The dial itself is not
// cancellable; ctx is only checked before dialing.
func (m *Manager) Create(ctx context.Context) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConnect, err)
	}

	raw, err := m.dial(m.url, m.config)
	if err != nil {
		m.logger.Error("Failed to connect to broker",
			zap.String("host", m.host()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("%w: broker %s: %w", apperrors.ErrConnect, m.host(), err)
	}

	notify := raw.NotifyClose(make(chan *amqp.Error, 1))
	conn := newConnection(raw, notify, m.logger)
	m.logger.Debug("Connected to broker", zap.String("host", m.host()))
	return conn, nil
}

// Recycle does nothing. See the Manager doc.
func (m *Manager) Recycle(context.Context, *Connection) error {
	return nil
}

// Destroy closes the connection and waits for its close watcher to exit.
func (m *Manager) Destroy(conn *Connection) {
	if conn == nil {
		return
	}
	if conn.Connection != nil && !conn.Connection.IsClosed() {
		if err := conn.Connection.Close(); err != nil {
			m.logger.Debug("Error closing broker connection",
				zap.String("error", logging.SanitizeError(err)))
		}
	}
	select {
	case <-conn.done:
	case <-time.After(closeTimeout):
		m.logger.Warn("Timed out waiting for broker connection to close")
	}
}

func (m *Manager) host() string {
	u, err := url.Parse(m.url)
	if err != nil {
		return ""
	}
	return u.Host
}
