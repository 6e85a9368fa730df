package passkeys

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSessionStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionStore(client, 60*time.Second), mr
}

func sampleSessionData() *webauthn.SessionData {
	return &webauthn.SessionData{
		Challenge: "test-challenge-value",
		UserID:    []byte("user-handle"),
	}
}

func TestRedisSessionStore_ChallengeConsumeOnce(t *testing.T) {
	store, _ := newRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutChallenge(ctx, "sid", sampleSessionData()))

	data, err := store.TakeChallenge(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "test-challenge-value", data.Challenge)
	assert.Equal(t, []byte("user-handle"), data.UserID)

	// The slot is cleared by the take; a second take finds nothing.
	_, err = store.TakeChallenge(ctx, "sid")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestRedisSessionStore_ChallengeOverwrite(t *testing.T) {
	store, _ := newRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutChallenge(ctx, "sid", &webauthn.SessionData{Challenge: "first"}))
	require.NoError(t, store.PutChallenge(ctx, "sid", &webauthn.SessionData{Challenge: "second"}))

	data, err := store.TakeChallenge(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "second", data.Challenge)
}

func TestRedisSessionStore_ChallengeExpiry(t *testing.T) {
	store, mr := newRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutChallenge(ctx, "sid", sampleSessionData()))

	mr.FastForward(61 * time.Second)

	_, err := store.TakeChallenge(ctx, "sid")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestRedisSessionStore_ChallengeIsolatedPerSession(t *testing.T) {
	store, _ := newRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutChallenge(ctx, "sid-a", &webauthn.SessionData{Challenge: "a"}))
	require.NoError(t, store.PutChallenge(ctx, "sid-b", &webauthn.SessionData{Challenge: "b"}))

	data, err := store.TakeChallenge(ctx, "sid-a")
	require.NoError(t, err)
	assert.Equal(t, "a", data.Challenge)

	data, err = store.TakeChallenge(ctx, "sid-b")
	require.NoError(t, err)
	assert.Equal(t, "b", data.Challenge)
}

func TestRedisSessionStore_CandidateUsername(t *testing.T) {
	store, _ := newRedisSessionStore(t)
	ctx := context.Background()

	got, err := store.CandidateUsername(ctx, "sid")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.SetCandidateUsername(ctx, "sid", "alice"))

	got, err = store.CandidateUsername(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestRedisSessionStore_LastCeremony(t *testing.T) {
	store, _ := newRedisSessionStore(t)
	ctx := context.Background()

	got, err := store.LastCeremony(ctx, "sid")
	require.NoError(t, err)
	assert.Nil(t, got)

	result := &CeremonyResult{
		Passkey:       true,
		CredentialID:  uuid.New(),
		Name:          "My Key",
		Platform:      PlatformApple,
		CrossPlatform: true,
	}
	require.NoError(t, store.SetLastCeremony(ctx, "sid", result))

	got, err = store.LastCeremony(ctx, "sid")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, result.CredentialID, got.CredentialID)
	assert.Equal(t, result.Platform, got.Platform)
	assert.True(t, got.CrossPlatform)
}

func TestMemorySessionStore_ChallengeConsumeOnce(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	_, err := store.TakeChallenge(ctx, "sid")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)

	require.NoError(t, store.PutChallenge(ctx, "sid", sampleSessionData()))

	data, err := store.TakeChallenge(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "test-challenge-value", data.Challenge)

	_, err = store.TakeChallenge(ctx, "sid")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}
