package httpmiddleware

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-redis/redis/v8"
)

// NonceStore remembers signature nonces until they expire.
type NonceStore interface {
	// UseNonce records nonce within scope. It reports false when the nonce was
	// already used and has not expired.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
	// ReleaseNonce forgets a used nonce so the same delivery may be retried.
	ReleaseNonce(ctx context.Context, scope, nonce string) error
}

var _ NonceStore = (*MemoryNonceStore)(nil)

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonceStore creates an empty MemoryNonceStore.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("scope and nonce are required")
	}
	key := scope + ":" + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if exp, ok := s.nonces[key]; ok && exp.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

func (s *MemoryNonceStore) ReleaseNonce(_ context.Context, scope, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nonces, scope+":"+nonce)
	return nil
}

// redisSetNX is the part of redis.Cmdable the Redis nonce store uses.
type redisSetNX interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ NonceStore = (*RedisNonceStore)(nil)

// RedisNonceStore shares nonces between replicas through Redis SETNX.
type RedisNonceStore struct {
	rdb    redisSetNX
	prefix string
}

// NewRedisNonceStore creates a store keeping nonces under prefix.
func NewRedisNonceStore(rdb redis.Cmdable, prefix string) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("scope and nonce are required")
	}
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return false, errors.New("nonce expiry is in the past")
	}
	ok, err := s.rdb.SetNX(ctx, s.key(scope, nonce), 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

func (s *RedisNonceStore) ReleaseNonce(ctx context.Context, scope, nonce string) error {
	if err := s.rdb.Del(ctx, s.key(scope, nonce)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (s *RedisNonceStore) key(scope, nonce string) string {
	return s.prefix + "nonce:" + scope + ":" + nonce
}
