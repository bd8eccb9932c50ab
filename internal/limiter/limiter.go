// Package limiter bounds how many invites a user may send per time window.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Quota reserves invite sends against a per-user allowance.
type Quota interface {
	// Reserve claims up to n sends and returns how many were granted. When
	// fewer than n are granted, retryAfter tells when the window resets.
	Reserve(ctx context.Context, userID uuid.UUID, n int) (granted int, retryAfter time.Duration, err error)
}
