// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/waconnect/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ProfileRepository provides access to the messaging part of a user's profile metadata.
type ProfileRepository interface {
	// GetMetadata loads the user's metadata. A user without a record yields a
	// zero-value UserMetadata and no error.
	GetMetadata(ctx context.Context, userID uuid.UUID) (*model.UserMetadata, error)
	// PatchMetadata merges the patch into the stored record at the top level,
	// creating the record if needed. Fields absent from the patch are kept.
	PatchMetadata(ctx context.Context, userID uuid.UUID, patch model.MetadataPatch) error
}
