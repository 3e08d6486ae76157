package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still carries our owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the Store backed by a shared Redis. Batches run in MULTI/EXEC;
// leased batches additionally WATCH the lock key so that a writer whose
// lease expired or was taken over cannot commit.
type Redis struct {
	rdb     redis.UniversalClient
	breaker *resilience.CircuitBreaker
}

// NewRedis wraps rdb. breaker may be nil.
func NewRedis(rdb redis.UniversalClient, breaker *resilience.CircuitBreaker) *Redis {
	return &Redis{rdb: rdb, breaker: breaker}
}

func (r *Redis) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := r.do(ctx, "hget", func() error {
		v, err := r.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (r *Redis) HashGetMany(ctx context.Context, key string, fields ...string) ([]string, error) {
	out := make([]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	err := r.do(ctx, "hmget", func() error {
		vals, err := r.rdb.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			if s, ok := v.(string); ok {
				out[i] = s
			}
		}
		return nil
	})
	return out, err
}

func (r *Redis) Members(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.do(ctx, "smembers", func() error {
		var err error
		members, err = r.rdb.SMembers(ctx, key).Result()
		return err
	})
	if members == nil {
		members = []string{}
	}
	return members, err
}

func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, "scard", func() error {
		var err error
		n, err = r.rdb.SCard(ctx, key).Result()
		return err
	})
	return n, err
}

func (r *Redis) IsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := r.do(ctx, "sismember", func() error {
		var err error
		ok, err = r.rdb.SIsMember(ctx, key, member).Result()
		return err
	})
	return ok, err
}

func (r *Redis) Apply(ctx context.Context, lease *Lease, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	queue := func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			switch e.Kind {
			case HashSet:
				pipe.HSet(ctx, e.Key, e.Field, e.Value)
			case HashDelete:
				pipe.HDel(ctx, e.Key, e.Field)
			case SetAdd:
				if len(e.Members) > 0 {
					pipe.SAdd(ctx, e.Key, toArgs(e.Members)...)
				}
			case SetRemove:
				if len(e.Members) > 0 {
					pipe.SRem(ctx, e.Key, toArgs(e.Members)...)
				}
			}
		}
		return nil
	}

	return r.do(ctx, "apply", func() error {
		if lease == nil {
			_, err := r.rdb.TxPipelined(ctx, queue)
			return err
		}
		return r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			owner, err := tx.Get(ctx, lease.Key).Result()
			if errors.Is(err, redis.Nil) || (err == nil && owner != lease.Owner) {
				return apperrors.ErrLeaseLost
			}
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, queue)
			return err
		}, lease.Key)
	})
}

func (r *Redis) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, "acquire", func() error {
		var err error
		ok, err = r.rdb.SetNX(ctx, key, owner, ttl).Result()
		return err
	})
	return ok, err
}

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	return r.do(ctx, "release", func() error {
		return releaseScript.Run(ctx, r.rdb, []string{key}, owner).Err()
	})
}

// CombineStore writes the intersection or union of keys into dest and
// bounds its lifetime by ttl.
func (r *Redis) CombineStore(ctx context.Context, op Op, dest string, keys []string, ttl time.Duration) (int64, error) {
	var n int64
	err := r.do(ctx, "combine", func() error {
		var card *redis.IntCmd
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if op == And {
				card = pipe.SInterStore(ctx, dest, keys...)
			} else {
				card = pipe.SUnionStore(ctx, dest, keys...)
			}
			if ttl > 0 {
				pipe.Expire(ctx, dest, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = card.Val()
		return nil
	})
	return n, err
}

// do runs fn through the circuit breaker and maps failures onto the
// indexing error kinds.
func (r *Redis) do(ctx context.Context, op string, fn func() error) error {
	var err error
	if r.breaker != nil {
		err = r.breaker.ExecuteCounting(fn, isTransportFailure)
	} else {
		err = fn()
	}
	return classify(ctx, op, err)
}

func isTransportFailure(err error) bool {
	if err == nil || errors.Is(err, apperrors.ErrLeaseLost) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

func classify(ctx context.Context, op string, err error) error {
	var replyErr redis.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrLeaseLost):
		return fmt.Errorf("redis %s: %w", op, err)
	case errors.Is(err, redis.TxFailedErr):
		// the watched lock key changed between GET and EXEC
		return fmt.Errorf("redis %s: %w", op, apperrors.ErrLeaseLost)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Errorf("redis %s: %w: %v", op, apperrors.ErrStoreUnavailable, err)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("redis %s: %w", op, apperrors.ErrTimeout)
		}
		return fmt.Errorf("redis %s: %w", op, err)
	case errors.As(err, &replyErr):
		if op == "apply" {
			return fmt.Errorf("redis %s: %w: %v", op, apperrors.ErrBatchPartiallyApplied, err)
		}
		return fmt.Errorf("redis %s: %w: %v", op, apperrors.ErrInternal, err)
	default:
		return fmt.Errorf("redis %s: %w: %v", op, apperrors.ErrStoreUnavailable, err)
	}
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
