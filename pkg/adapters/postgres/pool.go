package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/logging"
	"github.com/ekaya-inc/connpool/pkg/pool"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	MaxSize int32
	// StatementCacheSize bounds each client's cache; 0 means unbounded.
	StatementCacheSize int
}

// Pool hands out Clients backed by pooled connections.
// Every checkout gets a new Client with an empty statement cache.
type Pool struct {
	inner     *pool.Pool[Conn]
	cacheSize int
	logger    *zap.Logger
}

// NewPool creates a pool whose connections come from mgr.
func NewPool(mgr *Manager, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if cfg.StatementCacheSize < 0 {
		return nil, fmt.Errorf("statement cache size must not be negative, got %d", cfg.StatementCacheSize)
	}

	logger = logging.OrNop(logger)
	inner, err := pool.New[Conn](mgr, pool.Config{MaxSize: cfg.MaxSize}, logger.Named("postgres"))
	if err != nil {
		return nil, err
	}

	return &Pool{
		inner:     inner,
		cacheSize: cfg.StatementCacheSize,
		logger:    logger.Named("postgres"),
	}, nil
}

// Get checks out a connection, recycling it first if it was used before.
// The caller must call Release (or Discard) on the returned Client.
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	obj, err := p.inner.Get(ctx)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(obj.Value(), p.cacheSize, p.logger)
	if err != nil {
		obj.Release()
		return nil, err
	}
	c.obj = obj
	return c, nil
}

// Stat returns pool statistics.
func (p *Pool) Stat() pool.Stats {
	return p.inner.Stat()
}

// Close closes every connection. It waits for checked-out clients to be released.
func (p *Pool) Close() {
	p.inner.Close()
}
