package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/connpool/pkg/apperrors"
	"github.com/ekaya-inc/connpool/pkg/logging"
)

const DefaultMaxSize = 16

// Config holds pool sizing.
type Config struct {
	MaxSize int32
}

// slot is the value puddle stores; uses counts completed checkouts so the
// pool can tell a fresh resource from a reused one.
type slot[T any] struct {
	value T
	uses  int
}

// Pool is a bounded pool of resources created and recycled by a Manager.
type Pool[T any] struct {
	mgr    Manager[T]
	inner  *puddle.Pool[*slot[T]]
	logger *zap.Logger

	created         atomic.Int64
	recycled        atomic.Int64
	recycleFailures atomic.Int64
}

// New creates an empty pool. Resources are created lazily by Get.
func New[T any](mgr Manager[T], cfg Config, logger *zap.Logger) (*Pool[T], error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	p := &Pool[T]{
		mgr:    mgr,
		logger: logging.OrNop(logger).Named("pool"),
	}

	inner, err := puddle.NewPool(&puddle.Config[*slot[T]]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     cfg.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	p.inner = inner
	return p, nil
}

func (p *Pool[T]) construct(ctx context.Context) (*slot[T], error) {
	value, err := p.mgr.Create(ctx)
	if err != nil {
		p.logger.Warn("failed to create resource",
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, err
	}
	p.created.Add(1)
	return &slot[T]{value: value}, nil
}

func (p *Pool[T]) destruct(s *slot[T]) {
	p.mgr.Destroy(s.value)
}

// Get checks out a resource. Reused resources are recycled first; one that
// fails recycling is destroyed and Get moves on to another idle resource or
// creates a new one. Create errors are returned as-is. If ctx ends before or
// during recycling, the resource goes back to the idle set untouched.
func (p *Pool[T]) Get(ctx context.Context) (*Object[T], error) {
	for {
		res, err := p.inner.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return nil, apperrors.ErrPoolClosed
			}
			return nil, err
		}

		s := res.Value()
		if s.uses > 0 {
			if err := ctx.Err(); err != nil {
				res.Release()
				return nil, err
			}
			if err := p.mgr.Recycle(ctx, s.value); err != nil {
				// A recycle cut short by the caller proves nothing about the
				// resource; keep it and let the next checkout recycle it.
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					res.Release()
					return nil, ctxErr
				}
				p.recycleFailures.Add(1)
				p.logger.Info("resource could not be recycled, discarding",
					zap.Int("uses", s.uses),
					zap.String("error", logging.SanitizeError(err)),
				)
				res.Destroy()
				continue
			}
			p.recycled.Add(1)
		}
		s.uses++

		return &Object[T]{res: res}, nil
	}
}

// Close destroys every resource and rejects further Get calls.
// It blocks until checked-out resources have been returned.
func (p *Pool[T]) Close() {
	p.inner.Close()
	p.logger.Debug("pool closed")
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxSize         int32 `json:"max_size" yaml:"max_size"`
	Total           int32 `json:"total" yaml:"total"`
	Idle            int32 `json:"idle" yaml:"idle"`
	Acquired        int32 `json:"acquired" yaml:"acquired"`
	Created         int64 `json:"created" yaml:"created"`
	Recycled        int64 `json:"recycled" yaml:"recycled"`
	RecycleFailures int64 `json:"recycle_failures" yaml:"recycle_failures"`
}

// Stat returns current pool statistics. Safe to call concurrently.
func (p *Pool[T]) Stat() Stats {
	s := p.inner.Stat()
	return Stats{
		MaxSize:         s.MaxResources(),
		Total:           s.TotalResources(),
		Idle:            s.IdleResources(),
		Acquired:        s.AcquiredResources(),
		Created:         p.created.Load(),
		Recycled:        p.recycled.Load(),
		RecycleFailures: p.recycleFailures.Load(),
	}
}

// Object is a checked-out resource. Exactly one of Release or Discard should
// be called when the caller is done; later calls are ignored.
type Object[T any] struct {
	res  *puddle.Resource[*slot[T]]
	done bool
}

// Value returns the underlying resource.
func (o *Object[T]) Value() T {
	return o.res.Value().value
}

// Release returns the resource to the idle set. It will be recycled before
// its next checkout.
func (o *Object[T]) Release() {
	if o.done {
		return
	}
	o.done = true
	o.res.Release()
}

// Discard destroys the resource instead of returning it.
func (o *Object[T]) Discard() {
	if o.done {
		return
	}
	o.done = true
	o.res.Destroy()
}

// Done reports whether Release or Discard has been called.
func (o *Object[T]) Done() bool {
	return o.done
}
