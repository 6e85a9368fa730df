package passkeys

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIdentityProvider resolves identities from the users table. It is
// the default IdentityProvider when the surrounding account system shares
// the service database; deployments with an external account store supply
// their own implementation.
type PostgresIdentityProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresIdentityProvider creates a provider on the given pool.
func NewPostgresIdentityProvider(pool *pgxpool.Pool) *PostgresIdentityProvider {
	return &PostgresIdentityProvider{pool: pool}
}

func (p *PostgresIdentityProvider) lookup(ctx context.Context, query string, arg interface{}) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var identity Identity
	err := p.pool.QueryRow(ctx, query, arg).Scan(&identity.ID, &identity.Username, &identity.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up identity: %w", err)
	}
	return &identity, nil
}

// LookupByUsername returns the identity with the given username.
func (p *PostgresIdentityProvider) LookupByUsername(ctx context.Context, username string) (*Identity, error) {
	return p.lookup(ctx, `SELECT id, username, email FROM users WHERE username = $1`, username)
}

// LookupByEmail returns the identity with the given email.
func (p *PostgresIdentityProvider) LookupByEmail(ctx context.Context, email string) (*Identity, error) {
	return p.lookup(ctx, `SELECT id, username, email FROM users WHERE email = $1`, email)
}

// LookupByID returns the identity with the given id.
func (p *PostgresIdentityProvider) LookupByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return p.lookup(ctx, `SELECT id, username, email FROM users WHERE id = $1`, id)
}
