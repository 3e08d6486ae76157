package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
)

// locker hands out per-entity leases. A lease is held across the
// read-diff-write sequence of one Store or Remove.
type locker struct {
	store   store.Store
	keys    Keys
	ttl     time.Duration
	wait    time.Duration
	poll    time.Duration
	metrics *metrics.Metrics
}

// acquire polls until the lease for id is ours or the wait budget runs out.
func (l *locker) acquire(ctx context.Context, id string) (*store.Lease, error) {
	start := time.Now()
	lease := &store.Lease{Key: l.keys.Lock(id), Owner: uuid.NewString()}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(l.poll), 1)
	// the first attempt spends the initial token
	limiter.Reserve()

	for {
		ok, err := l.store.TryAcquire(waitCtx, lease.Key, lease.Owner, l.ttl)
		if err != nil && ctx.Err() == nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquiring %s: %w", lease.Key, err)
		}
		if ok {
			lease.Expiry = time.Now().Add(l.ttl)
			l.metrics.ObserveLockWait(l.keys.Type, time.Since(start), false)
			return lease, nil
		}
		if err := limiter.Wait(waitCtx); err != nil || waitCtx.Err() != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.metrics.ObserveLockWait(l.keys.Type, time.Since(start), true)
			return nil, fmt.Errorf("%s held for more than %s: %w", lease.Key, l.wait, apperrors.ErrLockTimeout)
		}
	}
}

func (l *locker) release(ctx context.Context, lease *store.Lease) error {
	if err := l.store.Release(ctx, lease.Key, lease.Owner); err != nil {
		return fmt.Errorf("releasing %s: %w", lease.Key, err)
	}
	return nil
}
