package passkeys

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the account a passkey belongs to. The owning user-account
// system is external; this is the projection the ceremony engine needs.
type Identity struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
}

// WebAuthnHandle returns the stable byte handle used as the WebAuthn user id.
// The UUID string is preferred; accounts without one fall back to the
// username so the handle survives email changes.
func (i *Identity) WebAuthnHandle() []byte {
	if i.ID != uuid.Nil {
		return []byte(i.ID.String())
	}
	return []byte(i.Username)
}

// UsernameField selects which identity field login flows key off. It is
// chosen once at startup and injected, never read from ambient settings.
type UsernameField string

const (
	UsernameFieldUsername UsernameField = "username"
	UsernameFieldEmail    UsernameField = "email"
)

// Valid reports whether f is a recognized username field.
func (f UsernameField) Valid() bool {
	return f == UsernameFieldUsername || f == UsernameFieldEmail
}

// IdentityProvider is the external user-account lookup capability.
type IdentityProvider interface {
	LookupByUsername(ctx context.Context, username string) (*Identity, error)
	LookupByEmail(ctx context.Context, email string) (*Identity, error)
	LookupByID(ctx context.Context, id uuid.UUID) (*Identity, error)
}

// LookupIdentity resolves value against the configured username field.
func LookupIdentity(ctx context.Context, provider IdentityProvider, field UsernameField, value string) (*Identity, error) {
	switch field {
	case UsernameFieldEmail:
		return provider.LookupByEmail(ctx, value)
	case UsernameFieldUsername:
		return provider.LookupByUsername(ctx, value)
	default:
		return nil, fmt.Errorf("unknown username field %q", field)
	}
}

// Notifier delivers one-time codes to users. Email transport is external.
type Notifier interface {
	SendCode(ctx context.Context, email, code string) error
}
