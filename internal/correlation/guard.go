package correlation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/cache"
)

// Cache operation labels reported to the Observer.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpTouch  = "touch"
)

// Observer receives correlation outcomes and cache failures. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveDecision(outcome Outcome, reason string, elapsed time.Duration)
	ObserveCacheError(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(Outcome, string, time.Duration) {}
func (nopObserver) ObserveCacheError(string)                       {}

// guardedStore wraps a cache.Store so that no failure escapes: errors are
// logged with key context and reported as a miss or an unapplied write.
type guardedStore struct {
	store    cache.Store
	logger   *zap.Logger
	observer Observer
	timeout  time.Duration
}

func (g guardedStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g guardedStore) fail(op, key, field string, err error) {
	g.observer.ObserveCacheError(op)
	g.logger.Error("Cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.String("field", field),
		zap.Error(err),
	)
}

func (g guardedStore) get(ctx context.Context, key, field string) (string, bool) {
	ctx, cancel := g.opContext(ctx)
	defer cancel()

	val, found, err := g.store.Get(ctx, key)
	if err != nil {
		g.fail(OpGet, key, field, err)
		return "", false
	}
	if !found || val == "" {
		return "", false
	}
	return val, true
}

func (g guardedStore) set(ctx context.Context, key, value, field string, ttl time.Duration) bool {
	ctx, cancel := g.opContext(ctx)
	defer cancel()

	if err := g.store.Set(ctx, key, value, ttl); err != nil {
		g.fail(OpSet, key, field, err)
		return false
	}
	return true
}

func (g guardedStore) del(ctx context.Context, key, field string) bool {
	ctx, cancel := g.opContext(ctx)
	defer cancel()

	if err := g.store.Delete(ctx, key); err != nil {
		g.fail(OpDelete, key, field, err)
		return false
	}
	return true
}

// refresh extends the TTL of an existing membership without changing the
// uuid it points at. Stores with an atomic touch use it; otherwise the entry
// is read, deleted and re-set, and a concurrent expiry in between simply
// drops the refresh.
func (g guardedStore) refresh(ctx context.Context, key, field string, ttl time.Duration) bool {
	if toucher, ok := g.store.(cache.Toucher); ok {
		tctx, cancel := g.opContext(ctx)
		defer cancel()

		found, err := toucher.Touch(tctx, key, ttl)
		if err != nil {
			g.fail(OpTouch, key, field, err)
			return false
		}
		return found
	}

	incidentUUID, ok := g.get(ctx, key, field)
	if !ok {
		return false
	}
	if !g.del(ctx, key, field) {
		return false
	}
	return g.set(ctx, key, incidentUUID, field, ttl)
}
