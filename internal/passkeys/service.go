package passkeys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openidx/passkeys/internal/metrics"
)

// Config holds relying-party and ceremony configuration.
type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
	// Timeout bounds a begun ceremony; the challenge slot expires with it.
	Timeout time.Duration
	// Attachment is the default authenticator attachment preference offered
	// at registration ("platform", "cross-platform", or empty for any).
	Attachment protocol.AuthenticatorAttachment
	// UsernameLookup selects which identity field login flows resolve.
	UsernameLookup UsernameField
}

// DefaultConfig returns a ceremony configuration for the given relying party.
func DefaultConfig(rpID string, origins []string) *Config {
	return &Config{
		RPDisplayName:  "OpenIDX Passkeys",
		RPID:           rpID,
		RPOrigins:      origins,
		Timeout:        60 * time.Second,
		UsernameLookup: UsernameFieldUsername,
	}
}

// Service drives the two-step registration and authentication ceremonies,
// mediating between the verifier library, the credential store and the
// per-session challenge slot.
type Service struct {
	webAuthn   *webauthn.WebAuthn
	creds      CredentialStore
	sessions   SessionStore
	identities IdentityProvider
	config     *Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates the ceremony engine.
func NewService(
	config *Config,
	creds CredentialStore,
	sessions SessionStore,
	identities IdentityProvider,
	logger *zap.Logger,
) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("passkeys config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	wconfig := &webauthn.Config{
		RPDisplayName:         config.RPDisplayName,
		RPID:                  config.RPID,
		RPOrigins:             config.RPOrigins,
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: config.Timeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: config.Timeout},
		},
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("create webauthn instance: %w", err)
	}

	return &Service{
		webAuthn:   webAuthn,
		creds:      creds,
		sessions:   sessions,
		identities: identities,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// ceremonyUser adapts an identity and its decoded credentials to the
// webauthn.User interface.
type ceremonyUser struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.handle }
func (u *ceremonyUser) WebAuthnName() string                       { return u.name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *ceremonyUser) WebAuthnIcon() string                       { return "" }

func newCeremonyUser(identity *Identity, creds []webauthn.Credential) *ceremonyUser {
	return &ceremonyUser{
		handle:      identity.WebAuthnHandle(),
		name:        identity.Username,
		displayName: identity.Username,
		credentials: creds,
	}
}

// decodeCredentials turns stored rows back into verifier credentials. Rows
// with undecodable material are skipped with an error log rather than
// failing the whole ceremony.
func (s *Service) decodeCredentials(rows []*Credential) []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := row.WebAuthnCredential()
		if err != nil {
			s.logger.Error("undecodable credential material",
				zap.String("credential_id", row.CredentialID),
				zap.Error(err),
			)
			continue
		}
		creds = append(creds, *cred)
	}
	return creds
}

func descriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	ds := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		ds = append(ds, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    cred.Transport,
		})
	}
	return ds
}

// externalCredentialID canonicalizes an authenticator credential id for
// store lookups. Raw url-safe base64, matching what browsers send as "id".
func externalCredentialID(rawID []byte) string {
	return base64.RawURLEncoding.EncodeToString(rawID)
}

// observeCeremonyDuration records begin-to-complete elapsed time. The
// verifier stamps the challenge with begin+timeout when timeouts are
// enforced, so the begin instant is recoverable from the expiry.
func (s *Service) observeCeremonyDuration(ceremony string, sessionData *webauthn.SessionData) {
	if sessionData.Expires.IsZero() {
		return
	}
	begun := sessionData.Expires.Add(-s.config.Timeout)
	metrics.RecordCeremonyDuration(ceremony, s.now().Sub(begun))
}

// BeginRegistration starts a registration ceremony for the authenticated
// identity. Every existing credential, enabled or not, is excluded so the
// same authenticator cannot be registered twice to one account. Any prior
// unconsumed challenge in the session is overwritten.
func (s *Service) BeginRegistration(
	ctx context.Context,
	sessionID string,
	identity *Identity,
	attachment protocol.AuthenticatorAttachment,
) (*protocol.CredentialCreation, error) {
	existing, err := s.creds.ListByUser(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("list existing credentials: %w", err)
	}

	user := newCeremonyUser(identity, s.decodeCredentials(existing))

	creation, sessionData, err := s.webAuthn.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: attachment,
			ResidentKey:             protocol.ResidentKeyRequirementPreferred,
			UserVerification:        protocol.VerificationPreferred,
		}),
		webauthn.WithExclusions(descriptors(user.credentials)),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := s.sessions.PutChallenge(ctx, sessionID, sessionData); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	s.logger.Info("registration ceremony begun",
		zap.String("user_id", identity.ID.String()),
		zap.Int("excluded", len(user.credentials)),
	)
	return creation, nil
}

// FinishRegistration completes a registration ceremony. The challenge slot
// is consumed before anything else, so a second attempt without a new begin
// fails with ErrNoActiveChallenge no matter how this one ends. Nothing is
// persisted unless the attestation verifies.
func (s *Service) FinishRegistration(
	ctx context.Context,
	sessionID string,
	identity *Identity,
	body io.Reader,
	keyName string,
	userAgent string,
) (*Credential, error) {
	sessionData, err := s.sessions.TakeChallenge(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	user := newCeremonyUser(identity, nil)
	verified, err := s.webAuthn.CreateCredential(user, *sessionData, parsed)
	if err != nil {
		s.logger.Warn("registration verification failed",
			zap.String("user_id", identity.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	material, err := EncodeCredentialMaterial(verified)
	if err != nil {
		return nil, err
	}

	platform := ClassifyPlatform(userAgent)
	name := keyName
	if name == "" {
		name = platform
	}

	cred := &Credential{
		ID:           uuid.New(),
		UserID:       identity.ID,
		Name:         name,
		Enabled:      true,
		Platform:     platform,
		CredentialID: externalCredentialID(verified.ID),
		PublicKey:    material,
		CreatedAt:    s.now(),
	}

	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, ErrDuplicateCredential) {
			s.logger.Warn("authenticator already registered",
				zap.String("user_id", identity.ID.String()),
				zap.String("credential_id", cred.CredentialID),
			)
			return nil, err
		}
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	s.observeCeremonyDuration("registration", sessionData)
	s.logger.Info("registration ceremony completed",
		zap.String("user_id", identity.ID.String()),
		zap.String("credential_id", cred.CredentialID),
		zap.String("platform", platform),
	)
	return cred, nil
}

// BeginLogin starts an authentication ceremony. identity may be nil: with no
// hint, or a hint with no enabled credentials, the challenge carries no
// allow-list and the browser offers discoverable credentials (usernameless
// flow). Any prior unconsumed challenge is overwritten.
func (s *Service) BeginLogin(
	ctx context.Context,
	sessionID string,
	identity *Identity,
) (*protocol.CredentialAssertion, error) {
	var allowed []webauthn.Credential
	if identity != nil {
		rows, err := s.creds.ListEnabledByUser(ctx, identity.ID)
		if err != nil {
			return nil, fmt.Errorf("list enabled credentials: %w", err)
		}
		allowed = s.decodeCredentials(rows)
	}

	var (
		assertion   *protocol.CredentialAssertion
		sessionData *webauthn.SessionData
		err         error
	)
	opts := []webauthn.LoginOption{
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	}
	if identity != nil && len(allowed) > 0 {
		assertion, sessionData, err = s.webAuthn.BeginLogin(newCeremonyUser(identity, allowed), opts...)
	} else {
		assertion, sessionData, err = s.webAuthn.BeginDiscoverableLogin(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}

	if err := s.sessions.PutChallenge(ctx, sessionID, sessionData); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	s.logger.Info("authentication ceremony begun",
		zap.Bool("discoverable", identity == nil || len(allowed) == 0),
	)
	return assertion, nil
}

// FinishLogin completes an authentication ceremony and returns the owning
// identity. The asserted credential must be enabled; the challenge is
// consumed whether or not verification succeeds, so the same challenge can
// never be replayed.
func (s *Service) FinishLogin(
	ctx context.Context,
	sessionID string,
	body io.Reader,
	userAgent string,
) (*Identity, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	cred, err := s.creds.GetEnabledByCredentialID(ctx, externalCredentialID(parsed.RawID))
	if err != nil {
		if errors.Is(err, ErrStoreInvariantViolated) {
			s.logger.Error("credential store invariant violated",
				zap.String("credential_id", externalCredentialID(parsed.RawID)),
			)
		}
		return nil, err
	}

	sessionData, err := s.sessions.TakeChallenge(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	material, err := cred.WebAuthnCredential()
	if err != nil {
		return nil, err
	}

	owner, err := s.identities.LookupByID(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential owner: %w", err)
	}
	user := newCeremonyUser(owner, []webauthn.Credential{*material})

	var validated *webauthn.Credential
	if len(sessionData.UserID) == 0 {
		validated, err = s.webAuthn.ValidateDiscoverableLogin(
			func(rawID, userHandle []byte) (webauthn.User, error) { return user, nil },
			*sessionData,
			parsed,
		)
	} else {
		validated, err = s.webAuthn.ValidateLogin(user, *sessionData, parsed)
	}
	if err != nil {
		s.logger.Warn("authentication verification failed",
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if validated.Authenticator.CloneWarning {
		s.logger.Warn("authenticator clone warning",
			zap.String("credential_id", cred.CredentialID),
			zap.String("user_id", owner.ID.String()),
		)
	}

	usedAt := s.now()
	if err := s.creds.UpdateLastUsed(ctx, cred.ID, usedAt); err != nil {
		// Authentication already verified; a failed timestamp update is not
		// grounds to reject the login.
		s.logger.Error("update last used failed",
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err),
		)
	}

	result := &CeremonyResult{
		Passkey:       true,
		CredentialID:  cred.ID,
		Name:          cred.Name,
		Platform:      cred.Platform,
		CrossPlatform: ClassifyPlatform(userAgent) != cred.Platform,
	}
	if err := s.sessions.SetLastCeremony(ctx, sessionID, result); err != nil {
		s.logger.Error("record ceremony result failed", zap.Error(err))
	}

	s.observeCeremonyDuration("authentication", sessionData)
	s.logger.Info("authentication ceremony completed",
		zap.String("user_id", owner.ID.String()),
		zap.String("credential_id", cred.CredentialID),
		zap.Bool("cross_platform", result.CrossPlatform),
	)
	return owner, nil
}

// ResolveLoginIdentity picks the identity an authentication ceremony is
// begun for: the logged-in identity when there is one, else the candidate
// stashed by the login-options step, else nil (usernameless).
func (s *Service) ResolveLoginIdentity(ctx context.Context, sessionID string, current *Identity) (*Identity, error) {
	if current != nil {
		return current, nil
	}
	candidate, err := s.sessions.CandidateUsername(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if candidate == "" {
		return nil, nil
	}
	identity, err := LookupIdentity(ctx, s.identities, s.config.UsernameLookup, candidate)
	if errors.Is(err, ErrIdentityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// ToggleCredential flips the enabled flag of a credential owned by userID.
// Non-owners get ErrForbidden; the store's ownership filter is atomic.
func (s *Service) ToggleCredential(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	enabled, err := s.creds.Toggle(ctx, id, userID)
	if err != nil {
		return false, err
	}
	s.logger.Info("credential toggled",
		zap.String("credential_id", id.String()),
		zap.Bool("enabled", enabled),
	)
	return enabled, nil
}

// DeleteCredential removes a credential owned by userID. Irreversible.
func (s *Service) DeleteCredential(ctx context.Context, id, userID uuid.UUID) error {
	if err := s.creds.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.logger.Info("credential deleted", zap.String("credential_id", id.String()))
	return nil
}

// ListCredentials returns the management view of a user's credentials.
func (s *Service) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	return s.creds.ListByUser(ctx, userID)
}

// HasEnabledCredentials reports whether the identity can be offered a
// passkey login at all, for the login-options branch.
func (s *Service) HasEnabledCredentials(ctx context.Context, identity *Identity) (bool, error) {
	rows, err := s.creds.ListEnabledByUser(ctx, identity.ID)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
