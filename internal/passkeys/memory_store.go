package passkeys

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory CredentialStore and OneTimeCodeStore used by
// tests and local development. It enforces the same invariants as the
// PostgreSQL store, including credential-id uniqueness.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[uuid.UUID]*Credential
	codes       []*OneTimeCode
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credentials: make(map[uuid.UUID]*Credential)}
}

func copyCredential(cred *Credential) *Credential {
	cp := *cred
	if cred.LastUsedAt != nil {
		t := *cred.LastUsedAt
		cp.LastUsedAt = &t
	}
	cp.PublicKey = append([]byte(nil), cred.PublicKey...)
	return &cp
}

// Create stores the credential, rejecting duplicate external ids.
func (s *MemoryStore) Create(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.credentials {
		if existing.CredentialID == cred.CredentialID {
			return ErrDuplicateCredential
		}
	}
	s.credentials[cred.ID] = copyCredential(cred)
	return nil
}

// Get returns the credential by primary key.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return copyCredential(cred), nil
}

func (s *MemoryStore) listByUser(userID uuid.UUID, enabledOnly bool) []*Credential {
	var creds []*Credential
	for _, cred := range s.credentials {
		if cred.UserID != userID {
			continue
		}
		if enabledOnly && !cred.Enabled {
			continue
		}
		creds = append(creds, copyCredential(cred))
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].CreatedAt.Before(creds[j].CreatedAt) })
	return creds
}

// ListByUser returns all of a user's credentials.
func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listByUser(userID, false), nil
}

// ListEnabledByUser returns the user's enabled credentials.
func (s *MemoryStore) ListEnabledByUser(_ context.Context, userID uuid.UUID) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listByUser(userID, true), nil
}

// GetEnabledByCredentialID resolves an assertion's credential id.
func (s *MemoryStore) GetEnabledByCredentialID(_ context.Context, credentialID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*Credential
	for _, cred := range s.credentials {
		if cred.CredentialID == credentialID && cred.Enabled {
			matches = append(matches, cred)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrUnknownCredential
	case 1:
		return copyCredential(matches[0]), nil
	default:
		return nil, ErrStoreInvariantViolated
	}
}

// UpdateLastUsed stamps a successful authentication.
func (s *MemoryStore) UpdateLastUsed(_ context.Context, id uuid.UUID, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	t := usedAt
	cred.LastUsedAt = &t
	return nil
}

// Toggle flips the enabled flag for the owner.
func (s *MemoryStore) Toggle(_ context.Context, id, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return false, ErrCredentialNotFound
	}
	if cred.UserID != userID {
		return false, ErrForbidden
	}
	cred.Enabled = !cred.Enabled
	return cred.Enabled, nil
}

// Delete removes the credential for the owner.
func (s *MemoryStore) Delete(_ context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.UserID != userID {
		return ErrForbidden
	}
	delete(s.credentials, id)
	return nil
}

// CreateCode appends a one-time code row.
func (s *MemoryStore) CreateCode(_ context.Context, code *OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes = append(s.codes, &cp)
	return nil
}

// LatestCodeByEmail returns the newest code for the email, or nil.
func (s *MemoryStore) LatestCodeByEmail(_ context.Context, email string) (*OneTimeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *OneTimeCode
	for _, code := range s.codes {
		if code.Email != email {
			continue
		}
		if latest == nil || code.CreatedAt.After(latest.CreatedAt) {
			latest = code
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// PurgeExpiredCodes drops rows older than the cutoff.
func (s *MemoryStore) PurgeExpiredCodes(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.codes[:0]
	var purged int64
	for _, code := range s.codes {
		if code.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, code)
	}
	s.codes = kept
	return purged, nil
}

// MemoryIdentityProvider is an in-memory IdentityProvider for tests and the
// bundled demo wiring. Production deployments plug in the real user system.
type MemoryIdentityProvider struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*Identity
}

// NewMemoryIdentityProvider creates an empty provider.
func NewMemoryIdentityProvider() *MemoryIdentityProvider {
	return &MemoryIdentityProvider{identities: make(map[uuid.UUID]*Identity)}
}

// Add registers an identity.
func (p *MemoryIdentityProvider) Add(identity *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *identity
	p.identities[identity.ID] = &cp
}

func (p *MemoryIdentityProvider) lookup(match func(*Identity) bool) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, identity := range p.identities {
		if match(identity) {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, ErrIdentityNotFound
}

// LookupByUsername resolves an identity by username.
func (p *MemoryIdentityProvider) LookupByUsername(_ context.Context, username string) (*Identity, error) {
	return p.lookup(func(i *Identity) bool { return i.Username == username })
}

// LookupByEmail resolves an identity by email.
func (p *MemoryIdentityProvider) LookupByEmail(_ context.Context, email string) (*Identity, error) {
	return p.lookup(func(i *Identity) bool { return i.Email == email })
}

// LookupByID resolves an identity by id.
func (p *MemoryIdentityProvider) LookupByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	return p.lookup(func(i *Identity) bool { return i.ID == id })
}
