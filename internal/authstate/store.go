package authstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/waconnect/internal/crypto"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/repository"
)

// Store loads and saves auth state in the profile metadata, sealed per user.
type Store struct {
	profiles repository.ProfileRepository
	sealer   *crypto.Sealer
}

// NewStore constructs a Store.
func NewStore(profiles repository.ProfileRepository, sealer *crypto.Sealer) *Store {
	return &Store{profiles: profiles, sealer: sealer}
}

// Load returns the stored state, or a fresh one if the user never paired or
// was logged out. resumed reports whether a stored state was found.
func (s *Store) Load(ctx context.Context, userID uuid.UUID) (st *State, resumed bool, err error) {
	md, err := s.profiles.GetMetadata(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load metadata: %w", err)
	}
	if len(md.Auth) == 0 {
		st, err = NewState()
		return st, false, err
	}
	st, err = s.Unseal(userID, md.Auth)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Save encodes the state and writes only the auth field of the metadata.
func (s *Store) Save(ctx context.Context, userID uuid.UUID, st *State) error {
	blob, err := s.Seal(userID, st)
	if err != nil {
		return err
	}
	return s.profiles.PatchMetadata(ctx, userID, model.MetadataPatch{Auth: blob})
}

// Seal encodes and encrypts the state for storage.
func (s *Store) Seal(userID uuid.UUID, st *State) ([]byte, error) {
	return s.sealer.Seal(userID, Encode(st))
}

// Unseal decrypts and decodes a stored blob.
func (s *Store) Unseal(userID uuid.UUID, blob []byte) (*State, error) {
	plain, err := s.sealer.Open(userID, blob)
	if err != nil {
		return nil, fmt.Errorf("open auth state: %w", err)
	}
	st, err := Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	return st, nil
}

// Auth is the live auth state of one session. Every change is persisted
// before the call returns; saves are serialized so a later state is never
// overwritten by an earlier one.
type Auth struct {
	mu     sync.Mutex
	userID uuid.UUID
	store  *Store
	state  *State
	purged bool
}

// NewAuth binds st to userID.
func NewAuth(store *Store, userID uuid.UUID, st *State) *Auth {
	return &Auth{userID: userID, store: store, state: st}
}

// Creds returns a copy of the current credentials.
func (a *Auth) Creds() Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Creds
}

// Get returns key material of keyType for ids.
func (a *Auth) Get(keyType string, ids []string) map[string][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Keys.Get(keyType, ids)
}

// Set applies the mutation and persists the state. The in-memory change is
// kept even when the write fails, so the running connection stays consistent;
// the next successful save carries it.
func (a *Auth) Set(ctx context.Context, m Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Keys.Apply(m)
	return a.saveLocked(ctx)
}

// UpdateCreds replaces the credentials and persists the state.
func (a *Auth) UpdateCreds(ctx context.Context, c Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Creds = c
	return a.saveLocked(ctx)
}

// Save persists the current state.
func (a *Auth) Save(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveLocked(ctx)
}

// SaveWith persists the current state in the same write as extra. The write
// happens under the state lock, so a concurrent key mutation is either part of
// it or saved after it.
func (a *Auth) SaveWith(ctx context.Context, extra model.MetadataPatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.purged {
		return nil
	}
	blob, err := a.store.Seal(a.userID, a.state)
	if err != nil {
		return err
	}
	extra.Auth, extra.ClearAuth = blob, false
	return a.store.profiles.PatchMetadata(ctx, a.userID, extra)
}

// Purge removes the stored pairing in the same write as extra. Afterwards
// every save of this Auth is a no-op, so a late mutation cannot bring the
// invalidated pairing back.
func (a *Auth) Purge(ctx context.Context, extra model.MetadataPatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purged = true
	extra.Auth, extra.ClearAuth = nil, true
	return a.store.profiles.PatchMetadata(ctx, a.userID, extra)
}

// Detach stops further saves without touching storage.
func (a *Auth) Detach() {
	a.mu.Lock()
	a.purged = true
	a.mu.Unlock()
}

// KeyCount returns the number of stored key entries.
func (a *Auth) KeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Keys.Len()
}

func (a *Auth) saveLocked(ctx context.Context) error {
	if a.purged {
		return nil
	}
	return a.store.Save(ctx, a.userID, a.state)
}
