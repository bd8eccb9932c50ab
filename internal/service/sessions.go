// Package service contains the application services behind the session operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/limiter"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/protocol"
	"github.com/and161185/waconnect/internal/repository"
	"github.com/and161185/waconnect/internal/session"
)

// SessionService exposes the per-user messaging session operations.
type SessionService interface {
	// Connect ensures a session exists and returns its status.
	Connect(ctx context.Context, userID uuid.UUID) (model.Status, error)
	// Status combines the stored record with the live session.
	Status(ctx context.Context, userID uuid.UUID) (model.SessionStatus, error)
	// QR returns the pending pairing code or "".
	QR(ctx context.Context, userID uuid.UUID) (string, error)
	// SyncContacts resolves and stores the invite-able contact list.
	SyncContacts(ctx context.Context, userID uuid.UUID) (*model.ContactSync, error)
	// SendInvites sends message to each phone sequentially.
	SendInvites(ctx context.Context, userID uuid.UUID, phones []string, message string) (*model.InviteBatch, error)
	// Disconnect logs out and forgets the pairing.
	Disconnect(ctx context.Context, userID uuid.UUID) error
}

// Recorder receives service-level measurements.
type Recorder interface {
	InviteSent(ok bool)
	ContactsSynced(source model.ContactSource, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) InviteSent(bool)                                  {}
func (nopRecorder) ContactsSynced(model.ContactSource, time.Duration) {}

// Config tunes the resolver and dispatcher.
type Config struct {
	SyncTimeout   time.Duration // bound of the cache poll
	SyncTick      time.Duration
	ResyncTimeout time.Duration // bound of the best-effort resync request
	MaxContacts   int
	MaxInvites    int
	SendInterval  time.Duration // spacing between sends of one user
	RemoveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 12 * time.Second
	}
	if c.SyncTick <= 0 {
		c.SyncTick = 250 * time.Millisecond
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = 3 * time.Second
	}
	if c.MaxContacts <= 0 {
		c.MaxContacts = 2000
	}
	if c.MaxInvites <= 0 {
		c.MaxInvites = 50
	}
	if c.SendInterval < 0 {
		c.SendInterval = 0
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 5 * time.Second
	}
	return c
}

// SessionServiceImpl implements SessionService over a session registry.
type SessionServiceImpl struct {
	reg      *session.Registry
	profiles repository.ProfileRepository
	quota    limiter.Quota
	rec      Recorder
	log      *zap.Logger
	cfg      Config

	pacersMu sync.Mutex
	pacers   map[uuid.UUID]*rate.Limiter
}

var _ SessionService = (*SessionServiceImpl)(nil)

// NewSessionService constructs SessionServiceImpl. quota and rec may be nil.
func NewSessionService(reg *session.Registry, profiles repository.ProfileRepository, quota limiter.Quota, rec Recorder, log *zap.Logger, cfg Config) *SessionServiceImpl {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &SessionServiceImpl{
		reg:      reg,
		profiles: profiles,
		quota:    quota,
		rec:      rec,
		log:      log,
		cfg:      cfg.withDefaults(),
		pacers:   map[uuid.UUID]*rate.Limiter{},
	}
}

// Connect triggers session construction.
func (s *SessionServiceImpl) Connect(ctx context.Context, userID uuid.UUID) (model.Status, error) {
	sess, err := s.reg.Ensure(ctx, userID)
	if err != nil {
		return model.StatusError, fmt.Errorf("ensure session: %w", err)
	}
	return sess.Status(), nil
}

// Status reports connected only for a live session of this process; the
// stored flag alone can be stale after an unclean exit.
func (s *SessionServiceImpl) Status(ctx context.Context, userID uuid.UUID) (model.SessionStatus, error) {
	md, err := s.profiles.GetMetadata(ctx, userID)
	if err != nil {
		return model.SessionStatus{}, fmt.Errorf("get metadata: %w", err)
	}
	out := model.SessionStatus{
		ConnectedAt:   md.ConnectedAt,
		HasAuth:       len(md.Auth) > 0,
		SessionStatus: model.StatusNone,
	}
	if sess := s.reg.Get(userID); sess != nil {
		out.SessionStatus = sess.Status()
		out.Connected = out.SessionStatus == model.StatusConnected
		out.HasQR = sess.QR() != ""
		out.LastError = sess.LastError()
	}
	return out, nil
}

// QR returns the pending pairing code.
func (s *SessionServiceImpl) QR(_ context.Context, userID uuid.UUID) (string, error) {
	if sess := s.reg.Get(userID); sess != nil {
		return sess.QR(), nil
	}
	return "", nil
}

func (s *SessionServiceImpl) connected(userID uuid.UUID) (*session.Session, error) {
	sess := s.reg.Get(userID)
	if sess == nil || sess.Status() != model.StatusConnected {
		return nil, errs.ErrNotConnected
	}
	return sess, nil
}

// SyncContacts builds the invite list from the address book, falling back to
// conversations when the address book yields nobody.
func (s *SessionServiceImpl) SyncContacts(ctx context.Context, userID uuid.UUID) (*model.ContactSync, error) {
	started := time.Now()
	sess, err := s.connected(userID)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.Stringer("user", userID))

	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResyncTimeout)
	err = sess.Resync(rctx)
	cancel()
	if err != nil {
		log.Warn("resync", zap.Error(err))
	}

	if n, _ := sess.CacheSizes(); n == 0 {
		// A fresh connection gets the one-time history push.
		if err := s.reg.EndWithoutLogout(ctx, sess); err != nil {
			return nil, fmt.Errorf("restart session: %w", err)
		}
		if sess, err = s.reg.Ensure(ctx, userID); err != nil {
			return nil, fmt.Errorf("restart session: %w", err)
		}
	}

	if err := s.awaitCaches(ctx, sess); err != nil {
		return nil, err
	}

	contacts, chats := sess.Contacts(), sess.Chats()
	self := sess.Self()
	list := s.fromContacts(contacts, chats, self)
	source := model.SourceContacts
	if len(list) == 0 {
		list = s.fromChats(chats, self)
		source = model.SourceChats
	}

	now := time.Now()
	if err := s.profiles.PatchMetadata(ctx, userID, model.MetadataPatch{Contacts: list, LastSyncAt: &now}); err != nil {
		err = fmt.Errorf("%w: contacts snapshot: %v", errs.ErrPersistenceFailed, err)
		sess.RecordError(err)
		log.Error("save contacts", zap.Error(err))
	}
	s.rec.ContactsSynced(source, time.Since(started))
	log.Info("contacts synced", zap.Int("count", len(list)), zap.String("source", string(source)))
	return &model.ContactSync{Count: len(list), Contacts: list, Source: source}, nil
}

// awaitCaches polls until either cache is non-empty or the sync timeout
// elapses. Only cancellation of ctx itself is an error.
func (s *SessionServiceImpl) awaitCaches(ctx context.Context, sess *session.Session) error {
	wait, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()
	t := time.NewTicker(s.cfg.SyncTick)
	defer t.Stop()
	for {
		if c, h := sess.CacheSizes(); c > 0 || h > 0 {
			return nil
		}
		select {
		case <-wait.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *SessionServiceImpl) fromContacts(contacts map[string]model.Contact, chats map[string]model.Chat, self string) []model.InviteContact {
	ids := make([]string, 0, len(contacts))
	for id := range contacts {
		ids = append(ids, id)
	}
	return s.build(ids, self, func(id string) string {
		if name := contacts[id].DisplayName(); name != "" {
			return name
		}
		return chatName(chats, id)
	})
}

func (s *SessionServiceImpl) fromChats(chats map[string]model.Chat, self string) []model.InviteContact {
	ids := make([]string, 0, len(chats))
	for id := range chats {
		ids = append(ids, id)
	}
	return s.build(ids, self, func(id string) string { return chatName(chats, id) })
}

func chatName(chats map[string]model.Chat, id string) string {
	if c, ok := chats[id]; ok && c.DisplayName() != "" {
		return c.DisplayName()
	}
	return chats[protocol.UserAddress(id)].DisplayName()
}

// build keeps reachable people only, drops self and sentinel ids, dedups on
// the device-less address and caps the list.
func (s *SessionServiceImpl) build(ids []string, self string, name func(id string) string) []model.InviteContact {
	sort.Strings(ids)
	out := make([]model.InviteContact, 0, min(len(ids), s.cfg.MaxContacts))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if len(out) >= s.cfg.MaxContacts {
			break
		}
		if id == protocol.StatusBroadcast || !protocol.IsUser(id) {
			continue
		}
		addr := protocol.UserAddress(id)
		if addr == self {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, model.InviteContact{ID: addr, DisplayName: name(id), Phone: protocol.PhoneOf(addr)})
	}
	return out
}

type recipient struct {
	phone string // normalized digits, or the raw input when invalid
	valid bool
}

// recipients normalizes and dedups phones keeping input order, then caps the
// list. Excess entries are dropped silently.
func (s *SessionServiceImpl) recipients(phones []string) []recipient {
	out := make([]recipient, 0, min(len(phones), s.cfg.MaxInvites))
	seen := map[string]struct{}{}
	for _, raw := range phones {
		if len(out) >= s.cfg.MaxInvites {
			break
		}
		r := recipient{phone: strings.TrimSpace(raw)}
		if digits, ok := protocol.NormalizePhone(raw); ok {
			r = recipient{phone: digits, valid: true}
		}
		if r.phone == "" {
			continue
		}
		if _, dup := seen[r.phone]; dup {
			continue
		}
		seen[r.phone] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SendInvites validates, applies the quota and sends one message per
// recipient. A failed recipient never aborts the rest.
func (s *SessionServiceImpl) SendInvites(ctx context.Context, userID uuid.UUID, phones []string, message string) (*model.InviteBatch, error) {
	text := strings.TrimSpace(message)
	if text == "" {
		return nil, errs.ErrEmptyMessage
	}
	sess, err := s.connected(userID)
	if err != nil {
		return nil, err
	}

	recips := s.recipients(phones)
	valid := 0
	for _, r := range recips {
		if r.valid {
			valid++
		}
	}
	if valid == 0 {
		return nil, errs.ErrInvalidPhone
	}

	allowed := valid
	if s.quota != nil {
		granted, retry, err := s.quota.Reserve(ctx, userID, valid)
		if err != nil {
			return nil, fmt.Errorf("reserve quota: %w", err)
		}
		if granted == 0 {
			return nil, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
		}
		allowed = granted
	}

	log := s.log.With(zap.Stringer("user", userID))
	pacer := s.pacer(userID)
	batch := &model.InviteBatch{Results: make([]model.InviteResult, 0, len(recips))}
	for _, r := range recips {
		res := model.InviteResult{Phone: r.phone}
		switch {
		case !r.valid:
			res.Error = errs.ErrInvalidPhone.Error()
		case allowed == 0:
			res.Error = errs.ErrRateLimited.Error()
		default:
			allowed--
			res.OK, res.Error = s.sendOne(ctx, sess, pacer, r.phone, text)
		}
		if res.OK {
			batch.Sent++
		} else {
			log.Debug("invite failed", zap.String("phone", r.phone), zap.String("error", res.Error))
		}
		if r.valid {
			s.rec.InviteSent(res.OK)
		}
		batch.Results = append(batch.Results, res)
	}
	log.Info("invites sent", zap.Int("sent", batch.Sent), zap.Int("total", len(batch.Results)))
	return batch, nil
}

func (s *SessionServiceImpl) sendOne(ctx context.Context, sess *session.Session, pacer *rate.Limiter, phone, text string) (bool, string) {
	if err := pacer.Wait(ctx); err != nil {
		return false, err.Error()
	}
	if err := sess.SendText(ctx, protocol.PhoneAddress(phone), text); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (s *SessionServiceImpl) pacer(userID uuid.UUID) *rate.Limiter {
	s.pacersMu.Lock()
	defer s.pacersMu.Unlock()
	l, ok := s.pacers[userID]
	if !ok {
		lim := rate.Inf
		if s.cfg.SendInterval > 0 {
			lim = rate.Every(s.cfg.SendInterval)
		}
		l = rate.NewLimiter(lim, 1)
		s.pacers[userID] = l
	}
	return l
}

// Disconnect attempts a remote logout, drops the session and clears the
// pairing, connection flag and contact snapshot.
func (s *SessionServiceImpl) Disconnect(ctx context.Context, userID uuid.UUID) error {
	log := s.log.With(zap.Stringer("user", userID))
	if sess := s.reg.Get(userID); sess != nil {
		if err := sess.Logout(ctx); err != nil {
			log.Warn("logout", zap.Error(err))
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoveTimeout)
		err := s.reg.Remove(rctx, sess)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("remove session: %w", err)
		}
	}
	s.pacersMu.Lock()
	delete(s.pacers, userID)
	s.pacersMu.Unlock()

	patch := model.MetadataPatch{ClearAuth: true, Connected: model.Bool(false), ClearContacts: true}
	if err := s.profiles.PatchMetadata(ctx, userID, patch); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPersistenceFailed, err)
	}
	log.Info("disconnected")
	return nil
}
