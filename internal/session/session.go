// Package session binds application users to live protocol connections.
//
// A Session owns one protocol.Client and consumes its event stream on a
// single goroutine, so state transitions and cache updates happen in emission
// order. The Registry guarantees at most one live Session per user.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/protocol"
	"github.com/and161185/waconnect/internal/repository"
)

// Session is the runtime state of one user's connection.
type Session struct {
	userID         uuid.UUID
	auth           *authstate.Auth
	profiles       repository.ProfileRepository
	log            *zap.Logger
	obs            Observer
	persistTimeout time.Duration
	onClosed       func(*Session)

	client protocol.Client
	done   chan struct{}

	mu            sync.RWMutex
	phase         model.Status
	persistFailed bool
	qr            string
	lastError     string
	updatedAt     time.Time
	self          string
	contacts      map[string]model.Contact
	chats         map[string]model.Chat
	ended         bool
}

var _ protocol.KeyStore = (*Session)(nil)

func newSession(userID uuid.UUID, auth *authstate.Auth, profiles repository.ProfileRepository, log *zap.Logger, obs Observer, persistTimeout time.Duration) *Session {
	return &Session{
		userID:         userID,
		auth:           auth,
		profiles:       profiles,
		log:            log,
		obs:            obs,
		persistTimeout: persistTimeout,
		done:           make(chan struct{}),
		phase:          model.StatusConnecting,
		updatedAt:      time.Now(),
		contacts:       map[string]model.Contact{},
		chats:          map[string]model.Chat{},
	}
}

// UserID returns the owning user.
func (s *Session) UserID() uuid.UUID { return s.userID }

// Status returns the current state. A failed persistence write reports
// StatusError until the next successful write.
func (s *Session) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.persistFailed {
		return model.StatusError
	}
	return s.phase
}

// QR returns the pending pairing code, or "" when none is pending.
func (s *Session) QR() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr
}

// LastError returns the last recorded diagnostic.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// UpdatedAt returns the time of the last state transition.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Self returns the user's own device-less protocol address once connected.
func (s *Session) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Contacts returns a copy of the address-book cache.
func (s *Session) Contacts() map[string]model.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Contact, len(s.contacts))
	for k, v := range s.contacts {
		out[k] = v
	}
	return out
}

// Chats returns a copy of the conversation cache.
func (s *Session) Chats() map[string]model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Chat, len(s.chats))
	for k, v := range s.chats {
		out[k] = v
	}
	return out
}

// CacheSizes returns the number of cached contacts and chats.
func (s *Session) CacheSizes() (contacts, chats int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts), len(s.chats)
}

// Live reports whether the session still owns a usable connection.
func (s *Session) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ended && s.phase != model.StatusDisconnected
}

// Done is closed once the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// RecordError stores err as the last diagnostic without changing status.
func (s *Session) RecordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// Resync asks the connection to re-push application state. A failure is
// recorded as the last diagnostic and returned wrapped in ErrResyncFailed.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.client.Resync(ctx); err != nil {
		err = fmt.Errorf("%w: %v", errs.ErrResyncFailed, err)
		s.RecordError(err)
		return err
	}
	return nil
}

// SendText sends text to a protocol address.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	return s.client.SendText(ctx, to, text)
}

// Logout unpairs the device remotely.
func (s *Session) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

// GetKeys implements protocol.KeyStore.
func (s *Session) GetKeys(keyType string, ids []string) map[string][]byte {
	return s.auth.Get(keyType, ids)
}

// SetKeys implements protocol.KeyStore. Every mutation is persisted before
// returning; a failed write is reported to the caller and recorded.
func (s *Session) SetKeys(ctx context.Context, m authstate.Mutation) error {
	if err := s.auth.Set(ctx, m); err != nil {
		s.persistError("keys", err)
		return fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
	}
	s.persistOK()
	return nil
}

// attach binds the connection; it must happen before the session is published.
func (s *Session) attach(client protocol.Client, onClosed func(*Session)) {
	s.client = client
	s.onClosed = onClosed
}

// markEnded detaches the session from the metadata record: events still
// update memory and credentials but the connection status is no longer mirrored.
func (s *Session) markEnded() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *Session) isEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *Session) run() {
	defer close(s.done)
	closed := false
	for ev := range s.client.Events() {
		s.handle(ev)
		if ev.Kind == protocol.EventClosed {
			closed = true
		}
	}
	if !closed {
		s.handle(protocol.Event{Kind: protocol.EventClosed, Reason: protocol.ReasonUnknown, Message: "event stream ended"})
	}
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *Session) handle(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventQR:
		now := time.Now()
		s.transition(model.StatusPairing, func() { s.qr = ev.QR })
		s.log.Info("pairing code issued")
		s.mirror("qr", model.MetadataPatch{LastQRAt: &now, Connected: model.Bool(false)})

	case protocol.EventOpen:
		now := time.Now()
		s.transition(model.StatusConnected, func() {
			s.qr = ""
			s.self = protocol.UserAddress(ev.Me)
		})
		s.log.Info("connection open", zap.String("me", protocol.UserAddress(ev.Me)))
		extra := model.MetadataPatch{Connected: model.Bool(true), ConnectedAt: &now}
		if s.isEnded() {
			extra = model.MetadataPatch{}
		}
		s.persist("open", func(ctx context.Context) error { return s.auth.SaveWith(ctx, extra) })

	case protocol.EventCredsUpdate:
		if ev.Creds == nil {
			return
		}
		creds := *ev.Creds
		s.persist("creds", func(ctx context.Context) error { return s.auth.UpdateCreds(ctx, creds) })

	case protocol.EventContacts:
		s.mu.Lock()
		for _, c := range ev.Contacts {
			s.contacts[c.ID] = mergeContact(s.contacts[c.ID], c)
		}
		s.mu.Unlock()

	case protocol.EventChats:
		s.mu.Lock()
		for _, c := range ev.Chats {
			s.chats[c.ID] = mergeChat(s.chats[c.ID], c)
		}
		s.mu.Unlock()

	case protocol.EventClosed:
		s.handleClosed(ev)
	}
}

func (s *Session) handleClosed(ev protocol.Event) {
	diag := fmt.Sprintf("connection closed: %s (%d)", ev.Reason, int(ev.Reason))
	if ev.Reason.LoggedOut() {
		diag = errs.ErrLoggedOut.Error()
	}
	s.transition(model.StatusDisconnected, func() {
		s.qr = ""
		if ev.Reason != protocol.ReasonConnectionClosed {
			s.lastError = diag
		}
	})
	s.log.Info("connection closed", zap.Int("reason", int(ev.Reason)), zap.String("message", ev.Message))

	if ev.Reason.LoggedOut() {
		if s.isEnded() {
			s.auth.Detach()
			return
		}
		s.persist("logout", func(ctx context.Context) error {
			return s.auth.Purge(ctx, model.MetadataPatch{Connected: model.Bool(false)})
		})
		return
	}
	s.mirror("close", model.MetadataPatch{Connected: model.Bool(false)})
}

func (s *Session) transition(to model.Status, mutate func()) {
	s.mu.Lock()
	s.phase = to
	s.updatedAt = time.Now()
	if mutate != nil {
		mutate()
	}
	s.mu.Unlock()
	s.obs.SessionTransition(to)
}

// mirror writes a connection-status patch unless the session has been ended
// and possibly replaced by a newer one.
func (s *Session) mirror(op string, p model.MetadataPatch) {
	if s.isEnded() {
		return
	}
	s.persist(op, func(ctx context.Context) error { return s.profiles.PatchMetadata(ctx, s.userID, p) })
}

// persist runs one bounded metadata write and records its outcome.
func (s *Session) persist(op string, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.persistError(op, err)
		return
	}
	s.persistOK()
}

func (s *Session) persistError(op string, err error) {
	s.log.Error("persist failed", zap.String("op", op), zap.Error(err))
	s.mu.Lock()
	s.persistFailed = true
	s.lastError = fmt.Errorf("%w: %s: %v", errs.ErrPersistenceFailed, op, err).Error()
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.obs.PersistFailure(op)
	s.obs.SessionTransition(model.StatusError)
}

func (s *Session) persistOK() {
	s.mu.Lock()
	s.persistFailed = false
	s.mu.Unlock()
}

func mergeContact(old, c model.Contact) model.Contact {
	if c.Name == "" {
		c.Name = old.Name
	}
	if c.Notify == "" {
		c.Notify = old.Notify
	}
	if c.VerifiedName == "" {
		c.VerifiedName = old.VerifiedName
	}
	return c
}

func mergeChat(old, c model.Chat) model.Chat {
	if c.Name == "" {
		c.Name = old.Name
	}
	if c.Subject == "" {
		c.Subject = old.Subject
	}
	if c.PushName == "" {
		c.PushName = old.PushName
	}
	return c
}

// wait blocks until the event loop exits or ctx is done.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
