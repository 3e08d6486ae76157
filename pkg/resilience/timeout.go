package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
)

// WithTimeout bounds fn by timeout. An overrun returns an error wrapping
// ErrTimeout without waiting for fn, which must honor its context. A
// non-positive timeout runs fn directly.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err == nil || ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	if err := context.Cause(ctx); err != context.DeadlineExceeded {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s exceeded %v: %w", name, timeout, apperrors.ErrTimeout)
}
