// Package passkeys implements WebAuthn/FIDO2 passkey ceremonies, credential
// management and the one-time-code login fallback for OpenIDX.
package passkeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

var (
	// ErrNoActiveChallenge is returned when a ceremony completion finds no
	// outstanding challenge for the session. The ceremony must be restarted.
	ErrNoActiveChallenge = errors.New("no active ceremony challenge for session")

	// ErrVerificationFailed is returned when the authenticator response does
	// not verify against the stored challenge state.
	ErrVerificationFailed = errors.New("authenticator response verification failed")

	// ErrUnknownCredential is returned when an assertion names a credential id
	// with no matching enabled credential.
	ErrUnknownCredential = errors.New("no enabled credential matches the asserted id")

	// ErrDuplicateCredential is returned when registration would persist an
	// authenticator that is already registered to some account.
	ErrDuplicateCredential = errors.New("authenticator is already registered")

	// ErrStoreInvariantViolated is returned when more than one credential row
	// shares an external credential id. This is fatal, not a user error.
	ErrStoreInvariantViolated = errors.New("credential store uniqueness invariant violated")

	// ErrForbidden is returned when a credential mutation is attempted by a
	// user who does not own the credential.
	ErrForbidden = errors.New("credential is owned by another user")

	// ErrCredentialNotFound is returned when a credential lookup by primary
	// key matches nothing.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCodeExpired is returned when no fresh one-time code exists for the
	// email at validation time.
	ErrCodeExpired = errors.New("one-time code expired")

	// ErrCodeInvalid is returned when a fresh one-time code exists but the
	// submitted value does not match it.
	ErrCodeInvalid = errors.New("one-time code invalid")

	// ErrIdentityNotFound is returned when an identity lookup matches no user.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Credential is a passkey registered against exactly one user. The owner
// never changes after creation; Platform and PublicKey are write-once.
type Credential struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	Platform     string     `json:"platform"`
	CredentialID string     `json:"credential_id"` // base64url authenticator credential id, globally unique
	PublicKey    []byte     `json:"-"`             // encoded webauthn.Credential
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
}

// WebAuthnCredential decodes the stored public-key material back into the
// verifier's credential structure.
func (c *Credential) WebAuthnCredential() (*webauthn.Credential, error) {
	var cred webauthn.Credential
	if err := json.Unmarshal(c.PublicKey, &cred); err != nil {
		return nil, fmt.Errorf("decode credential material: %w", err)
	}
	return &cred, nil
}

// EncodeCredentialMaterial serializes a verified webauthn.Credential into the
// persisted public-key blob.
func EncodeCredentialMaterial(cred *webauthn.Credential) ([]byte, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("encode credential material: %w", err)
	}
	return data, nil
}

// OneTimeCode is a short-lived numeric login code emailed to a user. Rows are
// never updated; stale rows are purged opportunistically.
type OneTimeCode struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// CeremonyResult is the metadata recorded in the session after a successful
// authentication ceremony, surfaced to the caller that establishes the login.
type CeremonyResult struct {
	Passkey       bool      `json:"passkey"`
	CredentialID  uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform"`
	CrossPlatform bool      `json:"cross_platform"`
}
