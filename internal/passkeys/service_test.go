package passkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chromeOnMacUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	chromeOnWinUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	testSessionID  = "browser-session-1"
	otherSessionID = "browser-session-2"
)

type ceremonyFixture struct {
	service    *Service
	store      *MemoryStore
	sessions   *MemorySessionStore
	identities *MemoryIdentityProvider
	rp         virtualwebauthn.RelyingParty
}

func newCeremonyFixture(t *testing.T) *ceremonyFixture {
	t.Helper()

	config := DefaultConfig("example.com", []string{"https://example.com"})
	store := NewMemoryStore()
	sessions := NewMemorySessionStore()
	identities := NewMemoryIdentityProvider()

	service, err := NewService(config, store, sessions, identities, nil)
	require.NoError(t, err)

	return &ceremonyFixture{
		service:    service,
		store:      store,
		sessions:   sessions,
		identities: identities,
		rp: virtualwebauthn.RelyingParty{
			Name:   config.RPDisplayName,
			ID:     config.RPID,
			Origin: config.RPOrigins[0],
		},
	}
}

func (f *ceremonyFixture) addIdentity(username, email string) *Identity {
	identity := &Identity{ID: uuid.New(), Username: username, Email: email}
	f.identities.Add(identity)
	return identity
}

// attestationBody runs the virtual authenticator against creation options and
// returns the body a browser would post to the completion endpoint.
func attestationBody(t *testing.T, f *ceremonyFixture, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, creation *protocol.CredentialCreation) string {
	t.Helper()
	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	return virtualwebauthn.CreateAttestationResponse(f.rp, auth, cred, *parsed)
}

func assertionBody(t *testing.T, f *ceremonyFixture, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, assertion *protocol.CredentialAssertion) string {
	t.Helper()
	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	return virtualwebauthn.CreateAssertionResponse(f.rp, auth, cred, *parsed)
}

// register walks a full registration ceremony and returns the stored credential.
func register(t *testing.T, f *ceremonyFixture, sessionID string, identity *Identity, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential, keyName, userAgent string) *Credential {
	t.Helper()
	ctx := context.Background()

	creation, err := f.service.BeginRegistration(ctx, sessionID, identity, "")
	require.NoError(t, err)

	body := attestationBody(t, f, auth, cred, creation)
	stored, err := f.service.FinishRegistration(ctx, sessionID, identity, strings.NewReader(body), keyName, userAgent)
	require.NoError(t, err)
	return stored
}

func TestFullRegistrationCeremony(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	creation, err := f.service.BeginRegistration(ctx, testSessionID, identity, "")
	require.NoError(t, err)
	assert.Equal(t, "example.com", creation.Response.RelyingParty.ID)
	assert.Equal(t, "alice", creation.Response.User.Name)
	assert.NotEmpty(t, creation.Response.Challenge)

	body := attestationBody(t, f, authenticator, credential, creation)
	stored, err := f.service.FinishRegistration(ctx, testSessionID, identity, strings.NewReader(body), "", chromeOnMacUA)
	require.NoError(t, err)

	assert.Equal(t, identity.ID, stored.UserID)
	assert.True(t, stored.Enabled)
	assert.Equal(t, PlatformChromeOnApple, stored.Platform)
	// No key name supplied, so the platform label doubles as the name.
	assert.Equal(t, PlatformChromeOnApple, stored.Name)
	assert.NotEmpty(t, stored.CredentialID)
	assert.Nil(t, stored.LastUsedAt)

	rows, err := f.store.ListByUser(ctx, identity.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFinishRegistration_KeyNameKept(t *testing.T) {
	f := newCeremonyFixture(t)
	identity := f.addIdentity("alice", "alice@example.com")

	stored := register(t, f, testSessionID, identity,
		virtualwebauthn.NewAuthenticator(),
		virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
		"Work YubiKey", chromeOnWinUA)

	assert.Equal(t, "Work YubiKey", stored.Name)
	assert.Equal(t, PlatformMicrosoft, stored.Platform)
}

func TestFinishRegistration_NoActiveChallenge(t *testing.T) {
	f := newCeremonyFixture(t)
	identity := f.addIdentity("alice", "alice@example.com")

	_, err := f.service.FinishRegistration(context.Background(), testSessionID, identity,
		strings.NewReader("{}"), "", chromeOnMacUA)
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestFinishRegistration_ChallengeConsumedOnSuccess(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	creation, err := f.service.BeginRegistration(ctx, testSessionID, identity, "")
	require.NoError(t, err)
	body := attestationBody(t, f, authenticator, credential, creation)

	_, err = f.service.FinishRegistration(ctx, testSessionID, identity, strings.NewReader(body), "", chromeOnMacUA)
	require.NoError(t, err)

	// Replaying the same completion finds no challenge to consume.
	_, err = f.service.FinishRegistration(ctx, testSessionID, identity, strings.NewReader(body), "", chromeOnMacUA)
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestFinishRegistration_ChallengeConsumedOnFailure(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	_, err := f.service.BeginRegistration(ctx, testSessionID, identity, "")
	require.NoError(t, err)

	// Garbage body fails verification but still burns the challenge.
	_, err = f.service.FinishRegistration(ctx, testSessionID, identity, strings.NewReader("{}"), "", chromeOnMacUA)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = f.service.FinishRegistration(ctx, testSessionID, identity, strings.NewReader("{}"), "", chromeOnMacUA)
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
}

func TestBeginRegistration_ExcludesAllExistingCredentials(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	stored := register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)

	// Disable the credential; it must still be excluded from re-registration.
	_, err := f.service.ToggleCredential(ctx, stored.ID, identity.ID)
	require.NoError(t, err)

	creation, err := f.service.BeginRegistration(ctx, testSessionID, identity, "")
	require.NoError(t, err)
	assert.Len(t, creation.Response.CredentialExcludeList, 1)
}

func TestFinishRegistration_DuplicateAcrossAccounts(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	alice := f.addIdentity("alice", "alice@example.com")
	bob := f.addIdentity("bob", "bob@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	register(t, f, testSessionID, alice, authenticator, credential, "", chromeOnMacUA)

	// The same authenticator credential registered to a second account must
	// be rejected by the uniqueness invariant.
	creation, err := f.service.BeginRegistration(ctx, otherSessionID, bob, "")
	require.NoError(t, err)
	body := attestationBody(t, f, authenticator, credential, creation)

	_, err = f.service.FinishRegistration(ctx, otherSessionID, bob, strings.NewReader(body), "", chromeOnMacUA)
	assert.ErrorIs(t, err, ErrDuplicateCredential)
}

func TestFullAuthenticationCeremony(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	stored := register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)
	authenticator.AddCredential(credential)

	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)
	assert.Len(t, assertion.Response.AllowedCredentials, 1)

	body := assertionBody(t, f, authenticator, credential, assertion)
	owner, err := f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, owner.ID)

	// A successful login stamps the credential.
	row, err := f.store.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, row.LastUsedAt)
	assert.WithinDuration(t, time.Now(), *row.LastUsedAt, 5*time.Second)

	// And records the ceremony result for the session.
	result, err := f.sessions.LastCeremony(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Passkey)
	assert.Equal(t, stored.ID, result.CredentialID)
	assert.False(t, result.CrossPlatform)
}

func TestDiscoverableAuthenticationCeremony(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	registrar := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	register(t, f, testSessionID, identity, registrar, credential, "", chromeOnMacUA)

	// No identity hint: the assertion carries no allow-list.
	assertion, err := f.service.BeginLogin(ctx, testSessionID, nil)
	require.NoError(t, err)
	assert.Empty(t, assertion.Response.AllowedCredentials)

	// A discoverable credential returns the user handle with the assertion.
	discoverable := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: identity.WebAuthnHandle(),
	})
	discoverable.AddCredential(credential)

	body := assertionBody(t, f, discoverable, credential, assertion)
	owner, err := f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, owner.ID)
}

func TestFinishLogin_UnknownCredentialKeepsChallenge(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)
	authenticator.AddCredential(credential)

	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)

	// An assertion from a never-registered credential is rejected before the
	// challenge slot is touched.
	stranger := virtualwebauthn.NewAuthenticator()
	strangerCred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	stranger.AddCredential(strangerCred)
	body := assertionBody(t, f, stranger, strangerCred, assertion)

	_, err = f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	assert.ErrorIs(t, err, ErrUnknownCredential)

	// The real authenticator can still complete the same ceremony.
	body = assertionBody(t, f, authenticator, credential, assertion)
	owner, err := f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, owner.ID)
}

func TestFinishLogin_DisabledCredentialRejected(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	stored := register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)
	authenticator.AddCredential(credential)

	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)

	enabled, err := f.service.ToggleCredential(ctx, stored.ID, identity.ID)
	require.NoError(t, err)
	require.False(t, enabled)

	body := assertionBody(t, f, authenticator, credential, assertion)
	_, err = f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestBeginLogin_NoEnabledCredentialsFallsBackToDiscoverable(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	// A hint for an account with no credentials produces a usernameless
	// challenge rather than an error.
	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)
	assert.Empty(t, assertion.Response.AllowedCredentials)
}

func TestFinishLogin_CrossPlatformFlag(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)
	authenticator.AddCredential(credential)

	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)

	// Registered from a Mac, asserted from Windows: flagged cross-platform.
	body := assertionBody(t, f, authenticator, credential, assertion)
	_, err = f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnWinUA)
	require.NoError(t, err)

	result, err := f.sessions.LastCeremony(ctx, testSessionID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.CrossPlatform)
}

func TestResolveLoginIdentity(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	// Logged-in identity wins.
	got, err := f.service.ResolveLoginIdentity(ctx, testSessionID, identity)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, got.ID)

	// No login, no candidate: usernameless.
	got, err = f.service.ResolveLoginIdentity(ctx, testSessionID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Stashed candidate resolves through the configured username field.
	require.NoError(t, f.sessions.SetCandidateUsername(ctx, testSessionID, "alice"))
	got, err = f.service.ResolveLoginIdentity(ctx, testSessionID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, identity.ID, got.ID)

	// An unknown candidate degrades to usernameless rather than erroring.
	require.NoError(t, f.sessions.SetCandidateUsername(ctx, testSessionID, "nobody"))
	got, err = f.service.ResolveLoginIdentity(ctx, testSessionID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// wrapLookupProvider adds an error layer around lookups, the way a remote
// directory implementation reports its failures.
type wrapLookupProvider struct {
	IdentityProvider
}

func (p *wrapLookupProvider) LookupByUsername(ctx context.Context, username string) (*Identity, error) {
	identity, err := p.IdentityProvider.LookupByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return identity, nil
}

func TestResolveLoginIdentity_WrappedNotFound(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()

	service, err := NewService(
		DefaultConfig("example.com", []string{"https://example.com"}),
		f.store, f.sessions, &wrapLookupProvider{f.identities}, nil,
	)
	require.NoError(t, err)

	// A wrapped not-found from the provider still degrades to usernameless.
	require.NoError(t, f.sessions.SetCandidateUsername(ctx, testSessionID, "ghost"))
	got, err := service.ResolveLoginIdentity(ctx, testSessionID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// ceremonyDurationSamples reads the histogram sample count for one ceremony
// label from the process-wide registry.
func ceremonyDurationSamples(t *testing.T, ceremony string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "passkeys_ceremony_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "ceremony" && label.GetValue() == ceremony {
					return metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestCeremonyDurationObserved(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	regBefore := ceremonyDurationSamples(t, "registration")
	authBefore := ceremonyDurationSamples(t, "authentication")

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	register(t, f, testSessionID, identity, authenticator, credential, "", chromeOnMacUA)
	authenticator.AddCredential(credential)

	assertion, err := f.service.BeginLogin(ctx, testSessionID, identity)
	require.NoError(t, err)
	body := assertionBody(t, f, authenticator, credential, assertion)
	_, err = f.service.FinishLogin(ctx, testSessionID, strings.NewReader(body), chromeOnMacUA)
	require.NoError(t, err)

	assert.Greater(t, ceremonyDurationSamples(t, "registration"), regBefore)
	assert.Greater(t, ceremonyDurationSamples(t, "authentication"), authBefore)
}

func TestToggleCredential_Idempotence(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	stored := register(t, f, testSessionID, identity,
		virtualwebauthn.NewAuthenticator(),
		virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
		"", chromeOnMacUA)

	enabled, err := f.service.ToggleCredential(ctx, stored.ID, identity.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = f.service.ToggleCredential(ctx, stored.ID, identity.ID)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestToggleAndDelete_OwnershipEnforced(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	alice := f.addIdentity("alice", "alice@example.com")
	mallory := f.addIdentity("mallory", "mallory@example.com")

	stored := register(t, f, testSessionID, alice,
		virtualwebauthn.NewAuthenticator(),
		virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
		"", chromeOnMacUA)

	_, err := f.service.ToggleCredential(ctx, stored.ID, mallory.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	err = f.service.DeleteCredential(ctx, stored.ID, mallory.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// The owner can still delete; the row is gone afterwards.
	require.NoError(t, f.service.DeleteCredential(ctx, stored.ID, alice.ID))
	_, err = f.store.Get(ctx, stored.ID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestHasEnabledCredentials(t *testing.T) {
	f := newCeremonyFixture(t)
	ctx := context.Background()
	identity := f.addIdentity("alice", "alice@example.com")

	has, err := f.service.HasEnabledCredentials(ctx, identity)
	require.NoError(t, err)
	assert.False(t, has)

	stored := register(t, f, testSessionID, identity,
		virtualwebauthn.NewAuthenticator(),
		virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2),
		"", chromeOnMacUA)

	has, err = f.service.HasEnabledCredentials(ctx, identity)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = f.service.ToggleCredential(ctx, stored.ID, identity.ID)
	require.NoError(t, err)

	has, err = f.service.HasEnabledCredentials(ctx, identity)
	require.NoError(t, err)
	assert.False(t, has)
}
