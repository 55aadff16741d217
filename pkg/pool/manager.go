// Package pool keeps a bounded set of backend resources and hands them out to
// one caller at a time.
//
// A Pool knows nothing about the backend. It depends only on a Manager, which
// opens new resources and decides whether an idle one is still usable before
// it is handed out again. Queueing, max-size enforcement and idle bookkeeping
// are delegated to puddle.
package pool

import "context"

// Manager is the lifecycle contract a backend implements for the pool.
type Manager[T any] interface {
	// Create opens a new resource from the manager's fixed configuration.
	// It may be called concurrently; implementations keep no per-call state.
	// Errors should wrap apperrors.ErrConnect.
	Create(ctx context.Context) (T, error)

	// Recycle is called exactly once each time an idle resource is about to
	// be reused, before the caller sees it. Returning an error discards the
	// resource; a replacement is created on demand. Recycle must not change
	// application-visible state. Errors should wrap apperrors.ErrHealthCheck.
	Recycle(ctx context.Context, res T) error

	// Destroy closes a resource that is leaving the pool.
	Destroy(res T)
}
