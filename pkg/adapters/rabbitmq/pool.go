package rabbitmq

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/pool"
)

// Object is a checked-out broker connection.
type Object = pool.Object[*Connection]

// Pool hands out broker connections.
type Pool struct {
	inner *pool.Pool[*Connection]
}

func NewPool(mgr *Manager, cfg pool.Config, logger *zap.Logger) (*Pool, error) {
	inner, err := pool.New[*Connection](mgr, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Get checks out a connection. No liveness check is made on reuse.
func (p *Pool) Get(ctx context.Context) (*Object, error) {
	return p.inner.Get(ctx)
}

func (p *Pool) Stat() pool.Stats {
	return p.inner.Stat()
}

func (p *Pool) Close() {
	p.inner.Close()
}
