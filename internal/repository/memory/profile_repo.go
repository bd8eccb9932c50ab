// Package memory contains an in-process ProfileRepository, used for local runs without Postgres and in tests.
package memory

import (
	"context"
	"sync"

	"github.com/and161185/waconnect/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ProfileRepo keeps metadata in a map with the same merge semantics as the Postgres repo.
type ProfileRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]model.UserMetadata
	patches int
}

// NewProfileRepo constructs an empty repository.
func NewProfileRepo() *ProfileRepo {
	return &ProfileRepo{records: map[uuid.UUID]model.UserMetadata{}}
}

// GetMetadata returns a copy of the stored record (zero value if none).
func (r *ProfileRepo) GetMetadata(_ context.Context, userID uuid.UUID) (*model.UserMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md := r.records[userID]
	md.Auth = append([]byte(nil), md.Auth...)
	md.Contacts = append([]model.InviteContact(nil), md.Contacts...)
	return &md, nil
}

// PatchMetadata merges the patch into the stored record.
func (r *ProfileRepo) PatchMetadata(_ context.Context, userID uuid.UUID, p model.MetadataPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches++
	md := r.records[userID]
	switch {
	case p.ClearAuth:
		md.Auth = nil
	case p.Auth != nil:
		md.Auth = append([]byte(nil), p.Auth...)
	}
	if p.Connected != nil {
		md.Connected = *p.Connected
	}
	if p.ConnectedAt != nil {
		md.ConnectedAt = model.Time(*p.ConnectedAt)
	}
	if p.LastQRAt != nil {
		md.LastQRAt = model.Time(*p.LastQRAt)
	}
	if p.LastSyncAt != nil {
		md.LastSyncAt = model.Time(*p.LastSyncAt)
	}
	switch {
	case p.ClearContacts:
		md.Contacts = nil
	case p.Contacts != nil:
		md.Contacts = append([]model.InviteContact(nil), p.Contacts...)
	}
	r.records[userID] = md
	return nil
}

// Patches returns how many patches were applied.
func (r *ProfileRepo) Patches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patches
}
