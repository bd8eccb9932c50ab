package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Memory is an in-process quota for single-node setups without a database.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	now    func() time.Time
	users  map[uuid.UUID]*bucket
}

type bucket struct {
	used  int
	start time.Time
}

// NewMemory constructs an in-process quota of limit sends per window.
func NewMemory(window time.Duration, limit int) *Memory {
	return &Memory{window: window, limit: limit, now: time.Now, users: map[uuid.UUID]*bucket{}}
}

// Reserve implements Quota.
func (m *Memory) Reserve(_ context.Context, userID uuid.UUID, n int) (int, time.Duration, error) {
	if n <= 0 {
		return 0, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.users[userID]
	if !ok || now.Sub(b.start) >= m.window {
		b = &bucket{start: now}
		m.users[userID] = b
	}
	granted := min(n, max(m.limit-b.used, 0))
	b.used += granted
	if granted >= n {
		return granted, 0, nil
	}
	return granted, b.start.Add(m.window).Sub(now), nil
}
