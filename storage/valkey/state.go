package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-identity/storage"
)

// ============================================================
// StateStore Implementation
// ============================================================

// pendingStateJSON is the stored representation of a pending login state
type pendingStateJSON struct {
	StateHash string `json:"state_hash"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// luaConsumeState atomically checks and deletes a pending state.
//
// KEYS[1] = state key (e.g., "oauth-identity:state:github:sess-1")
// ARGV[1] = current Unix time in milliseconds
// ARGV[2] = presented state hash
//
// Returns:
//   - "OK" if the state matched and was deleted
//   - "NOT_FOUND" if no state exists
//   - "EXPIRED" if the state expired (it is deleted)
//   - "MISMATCH" if the hash differs (the state is kept)
const luaConsumeState = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local state = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(state.expires_at)
if expiresAt and now >= expiresAt then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

if state.state_hash ~= ARGV[2] then
    return 'MISMATCH'
end

redis.call('DEL', KEYS[1])
return 'OK'
`

// SaveAuthState stores a pending state with a TTL matching its expiry,
// replacing any previous state of the same session.
func (s *Store) SaveAuthState(ctx context.Context, state *storage.PendingAuthState) error {
	if state == nil || state.Provider == "" || state.SessionID == "" || state.StateHash == "" {
		return fmt.Errorf("pending state requires provider, session and hash")
	}
	if err := validateID(state.Provider, state.SessionID); err != nil {
		return err
	}

	return s.observe(ctx, "save_auth_state", func(ctx context.Context) error {
		ttl := time.Until(state.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("pending state already expired")
		}

		data, err := json.Marshal(pendingStateJSON{
			StateHash: state.StateHash,
			CreatedAt: state.CreatedAt.UnixMilli(),
			ExpiresAt: state.ExpiresAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal pending state: %w", err)
		}

		key := s.stateKey(state.Provider, state.SessionID)
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save pending state: %w", err)
		}

		s.logger.Debug("Saved pending state", "provider", state.Provider)
		return nil
	})
}

// ConsumeAuthState deletes the pending state if stateHash matches and it has
// not expired at now. The check and delete run as one Lua script, so two
// concurrent callbacks cannot both succeed.
func (s *Store) ConsumeAuthState(ctx context.Context, provider, sessionID, stateHash string, now time.Time) error {
	if err := validateID(provider, sessionID); err != nil {
		return storage.ErrAuthStateNotFound
	}

	return s.observe(ctx, "consume_auth_state", func(ctx context.Context) error {
		result, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaConsumeState).
				Numkeys(1).
				Key(s.stateKey(provider, sessionID)).
				Arg(strconv.FormatInt(now.UnixMilli(), 10), stateHash).
				Build(),
		).ToString()
		if err != nil {
			return fmt.Errorf("failed to consume pending state: %w", err)
		}

		switch result {
		case "OK":
			return nil
		case "EXPIRED":
			s.logger.Debug("Pending state expired", "provider", provider)
			return storage.ErrAuthStateNotFound
		default:
			return storage.ErrAuthStateNotFound
		}
	})
}

// DeleteExpiredAuthStates is a no-op: Valkey expires state keys natively.
func (s *Store) DeleteExpiredAuthStates(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
