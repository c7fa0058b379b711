package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// OfferLedger remembers which drivers were offered a ride so they can be told
// when it is taken or expires. Record is idempotent.
type OfferLedger interface {
	Record(ctx context.Context, rideID string, driverIDs ...string) error
	Members(ctx context.Context, rideID string) ([]string, error)
	Release(ctx context.Context, rideID string) error
}

// DefaultLedgerTTL bounds how long an unreleased offer set is kept.
const DefaultLedgerTTL = 10 * time.Minute

// MemoryLedger is the single-instance OfferLedger. Sets not released within
// the TTL are dropped, like the Redis keys expire.
type MemoryLedger struct {
	ttl time.Duration
	Now func() time.Time

	mu     sync.Mutex
	offers map[string]*offerSet
}

type offerSet struct {
	drivers map[string]struct{}
	expires time.Time
}

func NewMemoryLedger() *MemoryLedger { return NewMemoryLedgerWithTTL(DefaultLedgerTTL) }

func NewMemoryLedgerWithTTL(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &MemoryLedger{ttl: ttl, Now: time.Now, offers: make(map[string]*offerSet)}
}

func (m *MemoryLedger) Record(_ context.Context, rideID string, driverIDs ...string) error {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, set := range m.offers {
		if !now.Before(set.expires) {
			delete(m.offers, id)
		}
	}
	set, ok := m.offers[rideID]
	if !ok {
		set = &offerSet{drivers: make(map[string]struct{})}
		m.offers[rideID] = set
	}
	set.expires = now.Add(m.ttl)
	for _, id := range driverIDs {
		set.drivers[id] = struct{}{}
	}
	return nil
}

func (m *MemoryLedger) Members(_ context.Context, rideID string) ([]string, error) {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.offers[rideID]
	if !ok || !now.Before(set.expires) {
		return []string{}, nil
	}
	out := make([]string, 0, len(set.drivers))
	for id := range set.drivers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryLedger) Release(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offers, rideID)
	return nil
}

// Len returns the number of rides with a live offer set.
func (m *MemoryLedger) Len() int {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.offers {
		if now.Before(set.expires) {
			n++
		}
	}
	return n
}

// RedisLedger keeps one SET per ride. The TTL bounds leftovers when a release
// is lost.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, ttl, opTimeout time.Duration) *RedisLedger {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl, opTimeout: opTimeout}
}

func (r *RedisLedger) key(rideID string) string { return r.prefix + rideID }

func (r *RedisLedger) Record(ctx context.Context, rideID string, driverIDs ...string) error {
	if len(driverIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	members := make([]interface{}, len(driverIDs))
	for i, id := range driverIDs {
		members[i] = id
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.key(rideID), members...)
		if r.ttl > 0 {
			p.Expire(ctx, r.key(rideID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return models.Transient("ledger.record", err)
	}
	return nil
}

func (r *RedisLedger) Members(ctx context.Context, rideID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, r.key(rideID)).Result()
	if err != nil {
		return nil, models.Transient("ledger.members", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisLedger) Release(ctx context.Context, rideID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(rideID)).Err(); err != nil {
		return models.Transient("ledger.release", err)
	}
	return nil
}
