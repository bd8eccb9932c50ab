package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/protocol"
	"github.com/and161185/waconnect/internal/repository"
)

// Observer receives session lifecycle signals, e.g. for metrics.
type Observer interface {
	SessionTransition(to model.Status)
	PersistFailure(op string)
	LiveSessions(n int)
}

type nopObserver struct{}

func (nopObserver) SessionTransition(model.Status) {}
func (nopObserver) PersistFailure(string)          {}
func (nopObserver) LiveSessions(int)               {}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.obs = o
		}
	}
}

// WithPersistTimeout bounds each metadata write made from the event loop.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// Registry maps users to their live Session.
type Registry struct {
	store    *authstate.Store
	profiles repository.ProfileRepository
	dialer   protocol.Dialer
	log      *zap.Logger

	obs            Observer
	persistTimeout time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	closing  bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(store *authstate.Store, profiles repository.ProfileRepository, dialer protocol.Dialer, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:          store,
		profiles:       profiles,
		dialer:         dialer,
		log:            log,
		obs:            nopObserver{},
		persistTimeout: 10 * time.Second,
		sessions:       map[uuid.UUID]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the registered session for userID, or nil.
func (r *Registry) Get(userID uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Ensure returns the live session for userID, constructing one if needed.
// Concurrent calls for the same user share a single construction. The
// construction outlives ctx cancellation so other waiters are not failed by
// one caller giving up.
func (r *Registry) Ensure(ctx context.Context, userID uuid.UUID) (*Session, error) {
	if s := r.Get(userID); s != nil && s.Live() {
		return s, nil
	}
	ch := r.group.DoChan(userID.String(), func() (any, error) {
		if s := r.Get(userID); s != nil {
			if s.Live() {
				return s, nil
			}
			// The close handler may still be writing the stored pairing.
			if err := r.drain(s); err != nil {
				return nil, err
			}
		}
		return r.start(context.WithoutCancel(ctx), userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) start(ctx context.Context, userID uuid.UUID) (*Session, error) {
	r.mu.RLock()
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		return nil, errs.ErrSessionClosed
	}

	st, resumed, err := r.store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load auth state: %w", err)
	}
	log := r.log.With(zap.Stringer("user", userID))
	s := newSession(userID, authstate.NewAuth(r.store, userID, st), r.profiles, log, r.obs, r.persistTimeout)

	client, err := r.dialer.Dial(ctx, userID.String(), st.Creds, s)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s.attach(client, r.forget)
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = client.End()
		return nil, errs.ErrSessionClosed
	}
	r.sessions[userID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.obs.LiveSessions(n)
	r.obs.SessionTransition(model.StatusConnecting)
	log.Info("session started", zap.Bool("resumed", resumed))
	go s.run()
	return s, nil
}

// drain waits for a closed session's event loop to exit.
func (r *Registry) drain(s *Session) error {
	t := time.NewTimer(2 * r.persistTimeout)
	defer t.Stop()
	select {
	case <-s.Done():
		return nil
	case <-t.C:
		return fmt.Errorf("previous session of %s still closing", s.userID)
	}
}

// EndWithoutLogout closes the connection while keeping the pairing, removes
// the session and waits for its event loop to drain, so a following Ensure
// resumes from the latest persisted auth state.
func (r *Registry) EndWithoutLogout(ctx context.Context, s *Session) error {
	return r.discard(ctx, s)
}

// Remove discards s after an explicit logout.
func (r *Registry) Remove(ctx context.Context, s *Session) error {
	return r.discard(ctx, s)
}

func (r *Registry) discard(ctx context.Context, s *Session) error {
	s.markEnded()
	r.forget(s)
	if err := s.client.End(); err != nil {
		s.log.Warn("end connection", zap.Error(err))
	}
	return s.wait(ctx)
}

// forget drops s from the map if it is still the registered instance.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.userID]; ok && cur == s {
		delete(r.sessions, s.userID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	r.obs.LiveSessions(n)
}

// Shutdown ends every session without logout, mirrors connected=false and
// refuses new sessions. Pairings survive so the next process resumes them.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var errList []error
	for _, s := range all {
		if err := r.discard(ctx, s); err != nil {
			errList = append(errList, fmt.Errorf("end %s: %w", s.userID, err))
			continue
		}
		if err := r.profiles.PatchMetadata(ctx, s.userID, model.MetadataPatch{Connected: model.Bool(false)}); err != nil {
			errList = append(errList, fmt.Errorf("mirror %s: %w", s.userID, err))
		}
	}
	r.log.Info("sessions shut down", zap.Int("count", len(all)))
	return errors.Join(errList...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
