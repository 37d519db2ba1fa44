package valkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/oauth-identity/storage"
)

// ============================================================
// Locker Implementation
// ============================================================

const (
	// DefaultLockTTL bounds how long a crashed holder can block others
	DefaultLockTTL = 30 * time.Second

	lockRetryMin = 10 * time.Millisecond
	lockRetryMax = 200 * time.Millisecond

	unlockTimeout = 2 * time.Second
)

// luaUnlock deletes the lock only if this holder still owns it.
//
// KEYS[1] = lock key
// ARGV[1] = holder token
const luaUnlock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Lock acquires a distributed mutex on key, retrying with backoff until ctx
// is done. The lock expires after ttl if never released. The returned
// function releases it and is safe to call more than once.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := validateID(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	token, err := newLockToken()
	if err != nil {
		return nil, err
	}
	lockKey := s.lockKey(key)

	err = s.observe(ctx, "lock", func(ctx context.Context) error {
		wait := lockRetryMin
		for {
			err := s.client.Do(ctx,
				s.client.B().Set().Key(lockKey).Value(token).Nx().Px(ttl).Build(),
			).Error()
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", storage.ErrLockNotAcquired, ctx.Err())
			}
			if !isNilError(err) {
				return fmt.Errorf("failed to acquire lock: %w", err)
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", storage.ErrLockNotAcquired, ctx.Err())
			case <-time.After(wait):
			}
			wait = min(wait*2, lockRetryMax)
		}
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unlock(key, lockKey, token) })
	}, nil
}

func (s *Store) unlock(key, lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaUnlock).Numkeys(1).Key(lockKey).Arg(token).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to release lock, it will expire", "key", key, "error", err)
	}
}

func newLockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
