package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
)

type memLease struct {
	owner  string
	expiry time.Time
}

// Memory is an in-process Store. Batches are applied under a single mutex,
// so they are atomic for every reader.
type Memory struct {
	mu     sync.RWMutex
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	leases map[string]memLease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		leases: make(map[string]memLease),
		now:    time.Now,
	}
}

func (m *Memory) HashGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HashGetMany(_ context.Context, key string, fields ...string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(fields))
	h := m.hashes[key]
	for i, f := range fields {
		out[i] = h[f]
	}
	return out, nil
}

func (m *Memory) Members(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Count(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sets[key])), nil
}

func (m *Memory) IsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) Apply(_ context.Context, lease *Lease, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease != nil && !m.holds(lease.Key, lease.Owner) {
		return apperrors.ErrLeaseLost
	}
	for _, e := range entries {
		switch e.Kind {
		case HashSet:
			h, ok := m.hashes[e.Key]
			if !ok {
				h = make(map[string]string)
				m.hashes[e.Key] = h
			}
			h[e.Field] = e.Value
		case HashDelete:
			delete(m.hashes[e.Key], e.Field)
			if len(m.hashes[e.Key]) == 0 {
				delete(m.hashes, e.Key)
			}
		case SetAdd:
			set, ok := m.sets[e.Key]
			if !ok {
				set = make(map[string]struct{})
				m.sets[e.Key] = set
			}
			for _, member := range e.Members {
				set[member] = struct{}{}
			}
		case SetRemove:
			for _, member := range e.Members {
				delete(m.sets[e.Key], member)
			}
			if len(m.sets[e.Key]) == 0 {
				delete(m.sets, e.Key)
			}
		}
	}
	return nil
}

func (m *Memory) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && m.now().Before(l.expiry) {
		return false, nil
	}
	m.leases[key] = memLease{owner: owner, expiry: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// holds must be called with mu held.
func (m *Memory) holds(key, owner string) bool {
	l, ok := m.leases[key]
	return ok && l.owner == owner && m.now().Before(l.expiry)
}

// Keys lists every non-empty set and hash key. Tests use it to assert that
// nothing was left behind.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sets)+len(m.hashes))
	for k := range m.sets {
		keys = append(keys, k)
	}
	for k := range m.hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
