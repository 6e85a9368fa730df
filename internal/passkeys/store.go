package passkeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CredentialStore is the durable mapping from credential id to owning user
// and public-key material. Uniqueness of the external credential id is
// enforced by the store, never by check-then-insert in the engine.
type CredentialStore interface {
	// Create persists a new credential. A credential id already registered
	// to any account yields ErrDuplicateCredential.
	Create(ctx context.Context, cred *Credential) error

	Get(ctx context.Context, id uuid.UUID) (*Credential, error)

	// ListByUser returns all of a user's credentials, enabled or not.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Credential, error)

	// ListEnabledByUser returns only credentials eligible for authentication.
	ListEnabledByUser(ctx context.Context, userID uuid.UUID) ([]*Credential, error)

	// GetEnabledByCredentialID looks a credential up by the authenticator
	// supplied id, ignoring owner context. Disabled credentials never match.
	// More than one match is ErrStoreInvariantViolated.
	GetEnabledByCredentialID(ctx context.Context, credentialID string) (*Credential, error)

	UpdateLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error

	// Toggle flips the enabled flag iff userID owns the credential and
	// returns the new state. The ownership filter is part of the statement.
	Toggle(ctx context.Context, id, userID uuid.UUID) (bool, error)

	// Delete removes the credential iff userID owns it.
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

// OneTimeCodeStore persists login fallback codes. Rows are insert-only.
type OneTimeCodeStore interface {
	CreateCode(ctx context.Context, code *OneTimeCode) error

	// LatestCodeByEmail returns the most recently issued code for the email,
	// or (nil, nil) when the email has none.
	LatestCodeByEmail(ctx context.Context, email string) (*OneTimeCode, error)

	// PurgeExpiredCodes deletes codes created before the cutoff.
	PurgeExpiredCodes(ctx context.Context, before time.Time) (int64, error)
}

const pgUniqueViolation = "23505"

const queryTimeout = 10 * time.Second

// PostgresStore implements CredentialStore and OneTimeCodeStore on pgx.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

const credentialColumns = `id, user_id, name, enabled, platform, credential_id, public_key, created_at, last_used_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var cred Credential
	err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.Name,
		&cred.Enabled,
		&cred.Platform,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.CreatedAt,
		&cred.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Create inserts the credential. The unique index on credential_id turns a
// cross-account re-registration into ErrDuplicateCredential.
func (s *PostgresStore) Create(ctx context.Context, cred *Credential) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO passkey_credentials (
			id, user_id, name, enabled, platform, credential_id, public_key, created_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		cred.ID,
		cred.UserID,
		cred.Name,
		cred.Enabled,
		cred.Platform,
		cred.CredentialID,
		cred.PublicKey,
		cred.CreatedAt,
		cred.LastUsedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Get returns the credential by primary key.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + credentialColumns + ` FROM passkey_credentials WHERE id = $1`
	cred, err := scanCredential(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) listByUser(ctx context.Context, userID uuid.UUID, enabledOnly bool) ([]*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + credentialColumns + ` FROM passkey_credentials WHERE user_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// ListByUser returns all of a user's credentials.
func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	return s.listByUser(ctx, userID, false)
}

// ListEnabledByUser returns the user's enabled credentials.
func (s *PostgresStore) ListEnabledByUser(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	return s.listByUser(ctx, userID, true)
}

// GetEnabledByCredentialID resolves an assertion's credential id. The LIMIT 2
// lets a broken uniqueness invariant surface instead of picking a row.
func (s *PostgresStore) GetEnabledByCredentialID(ctx context.Context, credentialID string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + credentialColumns + ` FROM passkey_credentials WHERE credential_id = $1 AND enabled LIMIT 2`
	rows, err := s.pool.Query(ctx, query, credentialID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	defer rows.Close()

	var matches []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		matches = append(matches, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrUnknownCredential
	case 1:
		return matches[0], nil
	default:
		s.logger.Error("duplicate enabled rows for credential id",
			zap.String("credential_id", credentialID),
		)
		return nil, ErrStoreInvariantViolated
	}
}

// UpdateLastUsed stamps a successful authentication.
func (s *PostgresStore) UpdateLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE passkey_credentials SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("update last used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Toggle flips enabled in a single ownership-filtered statement.
func (s *PostgresStore) Toggle(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var enabled bool
	query := `UPDATE passkey_credentials SET enabled = NOT enabled WHERE id = $1 AND user_id = $2 RETURNING enabled`
	err := s.pool.QueryRow(ctx, query, id, userID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, s.ownershipError(ctx, id)
	}
	if err != nil {
		return false, fmt.Errorf("toggle credential: %w", err)
	}
	return enabled, nil
}

// Delete removes the credential in a single ownership-filtered statement.
func (s *PostgresStore) Delete(ctx context.Context, id, userID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM passkey_credentials WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipError(ctx, id)
	}
	return nil
}

// ownershipError distinguishes a missing credential from one owned by
// somebody else after a zero-row ownership-filtered mutation.
func (s *PostgresStore) ownershipError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM passkey_credentials WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check credential existence: %w", err)
	}
	if exists {
		return ErrForbidden
	}
	return ErrCredentialNotFound
}

// CreateCode inserts a one-time code row. Codes are never updated afterwards.
func (s *PostgresStore) CreateCode(ctx context.Context, code *OneTimeCode) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `INSERT INTO one_time_codes (id, email, code, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, code.ID, code.Email, code.Code, code.CreatedAt); err != nil {
		return fmt.Errorf("insert one-time code: %w", err)
	}
	return nil
}

// LatestCodeByEmail returns the newest code for the email, or nil.
func (s *PostgresStore) LatestCodeByEmail(ctx context.Context, email string) (*OneTimeCode, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT id, email, code, created_at FROM one_time_codes WHERE email = $1 ORDER BY created_at DESC LIMIT 1`
	var code OneTimeCode
	err := s.pool.QueryRow(ctx, query, email).Scan(&code.ID, &code.Email, &code.Code, &code.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup one-time code: %w", err)
	}
	return &code, nil
}

// PurgeExpiredCodes garbage-collects stale code rows.
func (s *PostgresStore) PurgeExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM one_time_codes WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge one-time codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
