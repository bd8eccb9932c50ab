package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/and161185/waconnect/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ProfileRepo implements ProfileRepository on the JSONB metadata column of profiles.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// GetMetadata selects the nested "whatsapp" object of the user's metadata.
func (r *ProfileRepo) GetMetadata(ctx context.Context, userID uuid.UUID) (*model.UserMetadata, error) {
	const q = `
SELECT coalesce(metadata->'whatsapp', '{}'::jsonb)
FROM profiles WHERE user_id=$1`
	var raw []byte
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.UserMetadata{}, nil
		}
		return nil, err
	}
	var md model.UserMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// PatchMetadata upserts the profile row and merges the patch into metadata->'whatsapp'.
// Keys set to nil in the patch are removed; everything else under "whatsapp"
// and every other top-level metadata key is preserved.
func (r *ProfileRepo) PatchMetadata(ctx context.Context, userID uuid.UUID, patch model.MetadataPatch) error {
	set, drop, err := splitPatch(patch)
	if err != nil {
		return err
	}
	if len(set) == 2 && len(drop) == 0 { // "{}"
		return nil
	}
	const q = `
INSERT INTO profiles (user_id, metadata)
VALUES ($1, jsonb_build_object('whatsapp', $2::jsonb))
ON CONFLICT (user_id) DO UPDATE
SET metadata = jsonb_set(profiles.metadata, '{whatsapp}',
      (coalesce(profiles.metadata->'whatsapp', '{}'::jsonb) || $2::jsonb) - $3::text[], true),
    updated_at = now()`
	_, err = r.db.Pool.Exec(ctx, q, userID, string(set), drop)
	return err
}

// splitPatch renders the keys to set as a JSON object and collects the keys to remove.
func splitPatch(p model.MetadataPatch) ([]byte, []string, error) {
	fields := p.Fields()
	set := make(map[string]any, len(fields))
	drop := []string{}
	for k, v := range fields {
		if v == nil {
			drop = append(drop, k)
			continue
		}
		set[k] = v
	}
	sort.Strings(drop)
	b, err := json.Marshal(set)
	if err != nil {
		return nil, nil, fmt.Errorf("encode patch: %w", err)
	}
	return b, drop, nil
}
