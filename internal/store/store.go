// Package store defines the operations the indexing layer needs from the
// shared cache: hash field get/set, set membership, atomic batches of
// mutations and per-entity leases. Redis is the production implementation;
// Memory backs tests and single-process runs.
package store

import (
	"context"
	"fmt"
	"time"
)

// Kind tags the variant of an Entry.
type Kind int

const (
	HashSet Kind = iota
	HashDelete
	SetAdd
	SetRemove
)

func (k Kind) String() string {
	switch k {
	case HashSet:
		return "hset"
	case HashDelete:
		return "hdel"
	case SetAdd:
		return "sadd"
	case SetRemove:
		return "srem"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one mutation in a batch. Field and Value are used by hash
// entries, Members by set entries. Build entries with the constructors
// below rather than by hand.
type Entry struct {
	Kind    Kind
	Key     string
	Field   string
	Value   string
	Members []string
}

func HashSetEntry(key, field, value string) Entry {
	return Entry{Kind: HashSet, Key: key, Field: field, Value: value}
}

func HashDeleteEntry(key, field string) Entry {
	return Entry{Kind: HashDelete, Key: key, Field: field}
}

func SetAddEntry(key string, members ...string) Entry {
	return Entry{Kind: SetAdd, Key: key, Members: members}
}

func SetRemoveEntry(key string, members ...string) Entry {
	return Entry{Kind: SetRemove, Key: key, Members: members}
}

// Op is a set combination operator.
type Op int

const (
	And Op = iota
	Or
)

func (o Op) String() string {
	if o == And {
		return "and"
	}
	return "or"
}

// Lease is a time-bounded claim on a lock key. Owner is unique per
// acquisition so a holder can only release or write under its own claim.
type Lease struct {
	Key    string
	Owner  string
	Expiry time.Time
}

// Store is the operation set executed against the shared cache. Reads of
// missing keys return empty values, never errors.
type Store interface {
	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashGetMany(ctx context.Context, key string, fields ...string) ([]string, error)
	Members(ctx context.Context, key string) ([]string, error)
	Count(ctx context.Context, key string) (int64, error)
	IsMember(ctx context.Context, key, member string) (bool, error)

	// Apply executes entries in order as one unit. When lease is non-nil the
	// batch is applied only while the lease is still held by its owner;
	// otherwise nothing is written and ErrLeaseLost is returned.
	Apply(ctx context.Context, lease *Lease, entries []Entry) error

	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// SetCombiner is implemented by stores that can intersect or union sets
// server-side into dest without shipping members to the caller. It returns
// the cardinality of dest.
type SetCombiner interface {
	CombineStore(ctx context.Context, op Op, dest string, keys []string, ttl time.Duration) (int64, error)
}
