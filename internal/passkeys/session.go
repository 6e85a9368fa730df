package passkeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

// SessionState is the typed per-browser-session state the ceremony engine
// works with: one challenge slot, an optional candidate username stashed by
// the login-options step, and the result of the last completed ceremony.
// It replaces ad hoc string-keyed session entries with explicit fields.
type SessionState struct {
	Challenge         *webauthn.SessionData `json:"challenge,omitempty"`
	CandidateUsername string                `json:"candidate_username,omitempty"`
	LastCeremony      *CeremonyResult       `json:"last_ceremony,omitempty"`
}

// SessionStore persists SessionState fields in an external session store
// keyed by opaque browser session id. The challenge slot has single-slot
// overwrite semantics: Put replaces any prior unconsumed challenge, and
// TakeChallenge atomically returns-and-clears it.
type SessionStore interface {
	PutChallenge(ctx context.Context, sessionID string, data *webauthn.SessionData) error
	// TakeChallenge removes and returns the session's challenge in one
	// logical operation. Returns ErrNoActiveChallenge when the slot is empty.
	TakeChallenge(ctx context.Context, sessionID string) (*webauthn.SessionData, error)

	SetCandidateUsername(ctx context.Context, sessionID, username string) error
	CandidateUsername(ctx context.Context, sessionID string) (string, error)

	SetLastCeremony(ctx context.Context, sessionID string, result *CeremonyResult) error
	LastCeremony(ctx context.Context, sessionID string) (*CeremonyResult, error)
}

const (
	challengeKeyPrefix = "passkeys:challenge:"
	candidateKeyPrefix = "passkeys:candidate:"
	ceremonyKeyPrefix  = "passkeys:ceremony:"
)

// RedisSessionStore backs SessionState with Redis. Challenge entries carry
// the ceremony timeout as TTL so abandoned ceremonies expire on their own.
type RedisSessionStore struct {
	client       *redis.Client
	challengeTTL time.Duration
	stateTTL     time.Duration
}

// NewRedisSessionStore creates a Redis-backed session store. challengeTTL
// bounds how long a begun ceremony may be completed.
func NewRedisSessionStore(client *redis.Client, challengeTTL time.Duration) *RedisSessionStore {
	if challengeTTL <= 0 {
		challengeTTL = 60 * time.Second
	}
	return &RedisSessionStore{
		client:       client,
		challengeTTL: challengeTTL,
		stateTTL:     24 * time.Hour,
	}
}

// PutChallenge stores the ceremony state, overwriting unconditionally.
func (s *RedisSessionStore) PutChallenge(ctx context.Context, sessionID string, data *webauthn.SessionData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal challenge state: %w", err)
	}
	if err := s.client.Set(ctx, challengeKeyPrefix+sessionID, payload, s.challengeTTL).Err(); err != nil {
		return fmt.Errorf("store challenge state: %w", err)
	}
	return nil
}

// TakeChallenge consumes the challenge slot. GETDEL makes read-and-clear a
// single operation on the store side.
func (s *RedisSessionStore) TakeChallenge(ctx context.Context, sessionID string) (*webauthn.SessionData, error) {
	payload, err := s.client.GetDel(ctx, challengeKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoActiveChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("take challenge state: %w", err)
	}
	var data webauthn.SessionData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshal challenge state: %w", err)
	}
	return &data, nil
}

// SetCandidateUsername stashes the identity hint placed by the login-options step.
func (s *RedisSessionStore) SetCandidateUsername(ctx context.Context, sessionID, username string) error {
	return s.client.Set(ctx, candidateKeyPrefix+sessionID, username, s.stateTTL).Err()
}

// CandidateUsername returns the stashed identity hint, or "" when none is set.
func (s *RedisSessionStore) CandidateUsername(ctx context.Context, sessionID string) (string, error) {
	username, err := s.client.Get(ctx, candidateKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get candidate username: %w", err)
	}
	return username, nil
}

// SetLastCeremony records the metadata of the last successful authentication.
func (s *RedisSessionStore) SetLastCeremony(ctx context.Context, sessionID string, result *CeremonyResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal ceremony result: %w", err)
	}
	return s.client.Set(ctx, ceremonyKeyPrefix+sessionID, payload, s.stateTTL).Err()
}

// LastCeremony returns the recorded metadata, or nil when none exists.
func (s *RedisSessionStore) LastCeremony(ctx context.Context, sessionID string) (*CeremonyResult, error) {
	payload, err := s.client.Get(ctx, ceremonyKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ceremony result: %w", err)
	}
	var result CeremonyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal ceremony result: %w", err)
	}
	return &result, nil
}

// MemorySessionStore is an in-process SessionStore used by tests and
// single-node deployments without Redis.
type MemorySessionStore struct {
	mu     sync.Mutex
	states map[string]*SessionState
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{states: make(map[string]*SessionState)}
}

func (s *MemorySessionStore) state(sessionID string) *SessionState {
	st, ok := s.states[sessionID]
	if !ok {
		st = &SessionState{}
		s.states[sessionID] = st
	}
	return st
}

// PutChallenge stores the ceremony state, overwriting unconditionally.
func (s *MemorySessionStore) PutChallenge(_ context.Context, sessionID string, data *webauthn.SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).Challenge = data
	return nil
}

// TakeChallenge consumes the challenge slot under the store lock.
func (s *MemorySessionStore) TakeChallenge(_ context.Context, sessionID string) (*webauthn.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID)
	if st.Challenge == nil {
		return nil, ErrNoActiveChallenge
	}
	data := st.Challenge
	st.Challenge = nil
	return data, nil
}

func (s *MemorySessionStore) SetCandidateUsername(_ context.Context, sessionID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).CandidateUsername = username
	return nil
}

func (s *MemorySessionStore) CandidateUsername(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(sessionID).CandidateUsername, nil
}

func (s *MemorySessionStore) SetLastCeremony(_ context.Context, sessionID string, result *CeremonyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).LastCeremony = result
	return nil
}

func (s *MemorySessionStore) LastCeremony(_ context.Context, sessionID string) (*CeremonyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(sessionID).LastCeremony, nil
}
