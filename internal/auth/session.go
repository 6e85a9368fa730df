// Package auth provides Redis-backed browser login sessions for the passkey
// service. The session cookie carries an opaque id; everything else lives
// server-side.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when no login is bound to the session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSessionData is returned when stored session data is corrupt.
	ErrInvalidSessionData = errors.New("invalid session data")
)

// Login methods.
const (
	MethodPasskey = "passkey"
	MethodOTP     = "otp"
)

// Login is the server-side record of an authenticated browser session.
type Login struct {
	SessionID string    `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Method    string    `json:"method"` // MethodPasskey or MethodOTP
}

// Sessions binds and resolves logins for browser sessions.
type Sessions interface {
	// Establish binds userID to the browser session, replacing any prior login.
	Establish(ctx context.Context, sessionID string, userID uuid.UUID, method string) (*Login, error)

	// Current returns the login bound to the session, or ErrSessionNotFound.
	Current(ctx context.Context, sessionID string) (*Login, error)

	// Clear removes the login from the session.
	Clear(ctx context.Context, sessionID string) error
}

// SessionConfig holds login session parameters.
type SessionConfig struct {
	TTL       time.Duration // login lifetime (default: 24h)
	KeyPrefix string        // Redis key prefix (default: "login:")
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "login:",
	}
}

// SessionService is the Redis implementation of Sessions.
type SessionService struct {
	redis  *redis.Client
	config SessionConfig
	logger *zap.Logger
}

// NewSessionService creates a Redis-backed login session service.
func NewSessionService(redisClient *redis.Client, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		redis:  redisClient,
		config: DefaultSessionConfig(),
		logger: logger,
	}
}

// WithConfig overrides non-zero fields of the configuration.
func (ss *SessionService) WithConfig(config SessionConfig) *SessionService {
	if config.TTL > 0 {
		ss.config.TTL = config.TTL
	}
	if config.KeyPrefix != "" {
		ss.config.KeyPrefix = config.KeyPrefix
	}
	return ss
}

func (ss *SessionService) key(sessionID string) string {
	return ss.config.KeyPrefix + sessionID
}

// Establish binds the user to the browser session.
func (ss *SessionService) Establish(ctx context.Context, sessionID string, userID uuid.UUID, method string) (*Login, error) {
	now := time.Now()
	login := &Login{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ss.config.TTL),
		Method:    method,
	}

	data, err := json.Marshal(login)
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	if err := ss.redis.Set(ctx, ss.key(sessionID), data, ss.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("set login: %w", err)
	}

	ss.logger.Debug("login established",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID.String()),
		zap.String("method", method),
	)
	return login, nil
}

// Current resolves the session's login.
func (ss *SessionService) Current(ctx context.Context, sessionID string) (*Login, error) {
	data, err := ss.redis.Get(ctx, ss.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get login: %w", err)
	}

	var login Login
	if err := json.Unmarshal(data, &login); err != nil {
		return nil, ErrInvalidSessionData
	}
	if time.Now().After(login.ExpiresAt) {
		_ = ss.redis.Del(ctx, ss.key(sessionID)).Err()
		return nil, ErrSessionNotFound
	}
	return &login, nil
}

// Clear logs the session out.
func (ss *SessionService) Clear(ctx context.Context, sessionID string) error {
	return ss.redis.Del(ctx, ss.key(sessionID)).Err()
}

// MemorySessions is an in-memory Sessions implementation for tests.
type MemorySessions struct {
	mu     sync.Mutex
	logins map[string]*Login
	ttl    time.Duration
}

// NewMemorySessions creates an empty in-memory session service.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{logins: make(map[string]*Login), ttl: 24 * time.Hour}
}

func (ms *MemorySessions) Establish(_ context.Context, sessionID string, userID uuid.UUID, method string) (*Login, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := time.Now()
	login := &Login{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ms.ttl),
		Method:    method,
	}
	ms.logins[sessionID] = login
	return login, nil
}

func (ms *MemorySessions) Current(_ context.Context, sessionID string) (*Login, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	login, ok := ms.logins[sessionID]
	if !ok || time.Now().After(login.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	cp := *login
	return &cp, nil
}

func (ms *MemorySessions) Clear(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.logins, sessionID)
	return nil
}
