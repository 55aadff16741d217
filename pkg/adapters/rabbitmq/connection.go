package rabbitmq

import (
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
)

// Connection is a pooled broker connection. All *amqp.Connection methods are
// available directly; Channel is overridden to report a connection the
// broker has already closed.
type Connection struct {
	*amqp.Connection

	closeErr atomic.Pointer[amqp.Error]
	done     chan struct{}
}

func newConnection(raw *amqp.Connection, notify <-chan *amqp.Error, logger *zap.Logger) *Connection {
	c := &Connection{
		Connection: raw,
		done:       make(chan struct{}),
	}
	go c.watch(notify, logger)
	return c
}

// watch records the close reason delivered by the library's reader. The
// channel is closed without a value on a graceful Close.
func (c *Connection) watch(notify <-chan *amqp.Error, logger *zap.Logger) {
	defer close(c.done)
	for amqpErr := range notify {
		if amqpErr == nil {
			continue
		}
		c.closeErr.Store(amqpErr)
		logger.Warn("Broker connection closed",
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
			zap.Bool("server", amqpErr.Server))
	}
}

// Err returns the recorded close error, or nil while the connection is up.
func (c *Connection) Err() error {
	if amqpErr := c.closeErr.Load(); amqpErr != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, amqpErr)
	}
	return nil
}

// Channel opens a channel, failing fast if the connection was lost.
func (c *Connection) Channel() (*amqp.Channel, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.Connection.Channel()
}
