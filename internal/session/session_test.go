package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/crypto"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/protocol"
	"github.com/and161185/waconnect/internal/protocol/protocoltest"
	"github.com/and161185/waconnect/internal/repository/memory"
)

const me = "15550001111:7@s.whatsapp.net"

type flakyRepo struct {
	*memory.ProfileRepo
	mu   sync.Mutex
	fail error

	// one-shot gate: the first matching patch waits for release
	gate    func(model.MetadataPatch) bool
	held    chan struct{}
	release chan struct{}
}

func (f *flakyRepo) PatchMetadata(ctx context.Context, id uuid.UUID, p model.MetadataPatch) error {
	f.mu.Lock()
	err := f.fail
	var release chan struct{}
	if f.gate != nil && f.gate(p) {
		f.gate = nil
		release = f.release
		close(f.held)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if release != nil {
		<-release
	}
	return f.ProfileRepo.PatchMetadata(ctx, id, p)
}

// hold makes the next patch matching match block until the returned func is
// called. held is closed once such a patch is waiting.
func (f *flakyRepo) hold(match func(model.MetadataPatch) bool) (held <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = match
	f.held = make(chan struct{})
	f.release = make(chan struct{})
	rel := f.release
	var once sync.Once
	return f.held, func() { once.Do(func() { close(rel) }) }
}

func (f *flakyRepo) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type countingObserver struct {
	mu          sync.Mutex
	transitions map[model.Status]int
	failures    int
	live        int
}

func (o *countingObserver) SessionTransition(to model.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[to]++
}

func (o *countingObserver) PersistFailure(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *countingObserver) LiveSessions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live = n
}

type fixture struct {
	reg    *Registry
	repo   *flakyRepo
	store  *authstate.Store
	dialer *protocoltest.Dialer
	obs    *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.RandBytes(crypto.MasterKeyLen)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)

	repo := &flakyRepo{ProfileRepo: memory.NewProfileRepo()}
	store := authstate.NewStore(repo, sealer)
	dialer := &protocoltest.Dialer{OnDial: protocoltest.ResumeOrQR(me)}
	obs := &countingObserver{transitions: map[model.Status]int{}}
	reg := NewRegistry(store, repo, dialer, zaptest.NewLogger(t), WithObserver(obs), WithPersistTimeout(time.Second))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return &fixture{reg: reg, repo: repo, store: store, dialer: dialer, obs: obs}
}

func waitStatus(t *testing.T, s *Session, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, 2*time.Second, 5*time.Millisecond,
		"status %s, want %s", s.Status(), want)
}

func metadata(t *testing.T, f *fixture, id uuid.UUID) *model.UserMetadata {
	t.Helper()
	md, err := f.repo.GetMetadata(context.Background(), id)
	require.NoError(t, err)
	return md
}

// pair brings a fresh user to connected and returns the session.
func pair(t *testing.T, f *fixture, id uuid.UUID) *Session {
	t.Helper()
	s, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	waitStatus(t, s, model.StatusPairing)
	f.dialer.Last().Pair(me)
	waitStatus(t, s, model.StatusConnected)
	return s
}

func TestEnsure_Idempotent(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())

	var wg sync.WaitGroup
	got := make([]*Session, 20)
	errList := make([]error, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errList[i] = f.reg.Ensure(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for i, s := range got {
		require.NoError(t, errList[i])
		require.Same(t, got[0], s)
	}
	again, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	require.Same(t, got[0], again)
	require.Len(t, f.dialer.Dials(), 1)
	require.Same(t, got[0], f.reg.Get(id))
}

func TestEnsure_DialFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.Err = errors.New("bridge down")
	id := uuid.Must(uuid.NewV4())

	_, err := f.reg.Ensure(context.Background(), id)
	require.ErrorContains(t, err, "bridge down")
	require.Nil(t, f.reg.Get(id))
}

func TestSession_PairingFlow(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())

	s, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	waitStatus(t, s, model.StatusPairing)
	require.NotEmpty(t, s.QR())

	md := metadata(t, f, id)
	require.NotNil(t, md.LastQRAt)
	require.False(t, md.Connected)
	require.Empty(t, md.Auth)

	f.dialer.Last().Pair(me)
	waitStatus(t, s, model.StatusConnected)
	require.Empty(t, s.QR())
	require.Equal(t, "15550001111@s.whatsapp.net", s.Self())

	md = metadata(t, f, id)
	require.True(t, md.Connected)
	require.NotNil(t, md.ConnectedAt)
	require.NotEmpty(t, md.Auth)

	st, resumed, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, resumed)
	require.True(t, st.Creds.Paired())
}

func TestSession_LoggedOutPurgesAuth(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)

	f.dialer.Last().Close(protocol.ReasonLoggedOut)
	<-s.Done()

	require.Equal(t, model.StatusDisconnected, s.Status())
	require.Equal(t, errs.ErrLoggedOut.Error(), s.LastError())
	require.False(t, s.Live())
	require.Nil(t, f.reg.Get(id))

	md := metadata(t, f, id)
	require.Empty(t, md.Auth)
	require.False(t, md.Connected)
}

func TestSession_OtherCausesKeepAuth(t *testing.T) {
	reasons := []protocol.DisconnectReason{
		protocol.ReasonForbidden,
		protocol.ReasonConnectionLost,
		protocol.ReasonMultideviceMismatch,
		protocol.ReasonConnectionClosed,
		protocol.ReasonConnectionReplaced,
		protocol.ReasonBadSession,
		protocol.ReasonUnavailableService,
		protocol.ReasonRestartRequired,
		protocol.ReasonUnknown,
	}
	for _, reason := range reasons {
		t.Run(reason.String(), func(t *testing.T) {
			f := newFixture(t)
			id := uuid.Must(uuid.NewV4())
			s := pair(t, f, id)

			f.dialer.Last().Close(reason)
			<-s.Done()

			require.Equal(t, model.StatusDisconnected, s.Status())
			md := metadata(t, f, id)
			require.NotEmpty(t, md.Auth)
			require.False(t, md.Connected)
		})
	}
}

func TestEnsure_ResumesWithoutQR(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)

	f.dialer.Last().Close(protocol.ReasonRestartRequired)
	<-s.Done()

	s2, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	require.NotSame(t, s, s2)
	waitStatus(t, s2, model.StatusConnected)
	require.Empty(t, s2.QR())
	require.True(t, f.dialer.Last().Creds.Paired())
	require.Len(t, f.dialer.Dials(), 2)
}

func TestSession_PersistenceFailureRecovers(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	f.repo.setFail(errors.New("db gone"))

	s, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	waitStatus(t, s, model.StatusError)
	require.Contains(t, s.LastError(), errs.ErrPersistenceFailed.Error())
	require.NotEmpty(t, s.QR(), "transition completes in memory")
	require.True(t, s.Live())

	f.repo.setFail(nil)
	f.dialer.Last().Emit(protocol.Event{Kind: protocol.EventQR, QR: "next"})
	waitStatus(t, s, model.StatusPairing)
	require.Equal(t, "next", s.QR())

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	require.Equal(t, 1, f.obs.failures)
}

func TestSession_CredsUpdateSavedBeforeClose(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)

	c := f.dialer.Last()
	creds := c.Creds
	creds.Me = &authstate.Identity{ID: me, Name: "rotated"}
	creds.Registered = true
	c.Emit(protocol.Event{Kind: protocol.EventCredsUpdate, Creds: &creds})
	c.Close(protocol.ReasonConnectionLost)
	<-s.Done()

	st, _, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "rotated", st.Creds.Me.Name)
}

func TestSession_CachesMerge(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)
	c := f.dialer.Last()

	c.PushContacts(model.Contact{ID: "1@s.whatsapp.net", Name: "Ann"})
	c.PushContacts(model.Contact{ID: "1@s.whatsapp.net", Notify: "annie"})
	c.PushChats(model.Chat{ID: "2@s.whatsapp.net", PushName: "Bob"})

	require.Eventually(t, func() bool {
		n, m := s.CacheSizes()
		return n == 1 && m == 1 && s.Contacts()["1@s.whatsapp.net"].Notify == "annie"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Ann", s.Contacts()["1@s.whatsapp.net"].Name)
	require.Equal(t, "Bob", s.Chats()["2@s.whatsapp.net"].PushName)
}

func TestSession_SetKeysPersistsEagerly(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)

	require.NoError(t, s.SetKeys(context.Background(), authstate.Mutation{"session": {"a": []byte{1}}}))
	require.Equal(t, map[string][]byte{"a": {1}}, s.GetKeys("session", []string{"a", "b"}))

	st, _, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, st.Keys["session"]["a"])

	f.repo.setFail(errors.New("write failed"))
	err = s.SetKeys(context.Background(), authstate.Mutation{"session": {"b": []byte{2}}})
	require.ErrorIs(t, err, errs.ErrPersistenceFailed)
	require.Equal(t, model.StatusError, s.Status())
}

func TestSession_ResyncFailureRecorded(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)
	f.dialer.Last().ResyncErr = errors.New("bucket missing")

	err := s.Resync(context.Background())
	require.ErrorIs(t, err, errs.ErrResyncFailed)
	require.Contains(t, s.LastError(), "bucket missing")
	require.Equal(t, model.StatusConnected, s.Status())
}

func TestEndWithoutLogout_KeepsPairing(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)
	old := f.dialer.Last()

	require.NoError(t, f.reg.EndWithoutLogout(context.Background(), s))
	require.True(t, old.Ended())
	require.Zero(t, old.Logouts())
	require.Nil(t, f.reg.Get(id))
	require.False(t, s.Live())

	md := metadata(t, f, id)
	require.NotEmpty(t, md.Auth)
	require.True(t, md.Connected, "an ended session does not mirror its close")

	s2, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	waitStatus(t, s2, model.StatusConnected)
	require.True(t, metadata(t, f, id).Connected)
}

func TestShutdown_EndsAllKeepingAuth(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	pair(t, f, a)
	pair(t, f, b)
	require.Equal(t, 2, f.reg.Len())

	require.NoError(t, f.reg.Shutdown(context.Background()))
	require.Zero(t, f.reg.Len())
	for _, c := range f.dialer.Dials() {
		require.True(t, c.Ended())
		require.Zero(t, c.Logouts())
	}
	for _, id := range []uuid.UUID{a, b} {
		md := metadata(t, f, id)
		require.False(t, md.Connected)
		require.NotEmpty(t, md.Auth)
	}

	_, err := f.reg.Ensure(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrSessionClosed)

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	require.Zero(t, f.obs.live)
}

func TestSession_KeyWrittenDuringOpenIsKept(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())

	held, release := f.repo.hold(func(p model.MetadataPatch) bool {
		return p.Connected != nil && *p.Connected && p.Auth != nil
	})
	defer release()

	s, err := f.reg.Ensure(context.Background(), id)
	require.NoError(t, err)
	waitStatus(t, s, model.StatusPairing)
	f.dialer.Last().Pair(me)

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("open write never issued")
	}

	setErr := make(chan error, 1)
	go func() {
		setErr <- s.SetKeys(context.Background(), authstate.Mutation{"session": {"peer": {1, 2, 3}}})
	}()
	select {
	case err := <-setErr:
		t.Fatalf("key write acknowledged while the open write was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-setErr)
	waitStatus(t, s, model.StatusConnected)

	st, resumed, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, []byte{1, 2, 3}, st.Keys["session"]["peer"])
	require.True(t, metadata(t, f, id).Connected)
}

func TestRegistry_EnsureAfterLogoutWaitsForPurge(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	old := pair(t, f, id)
	require.NotEmpty(t, metadata(t, f, id).Auth)

	held, release := f.repo.hold(func(p model.MetadataPatch) bool { return p.ClearAuth })
	defer release()
	go f.dialer.Last().Close(protocol.ReasonLoggedOut)

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("purge never issued")
	}
	require.False(t, old.Live())

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := f.reg.Ensure(context.Background(), id)
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		t.Fatalf("replacement built before the pairing was purged: %v %v", r.s, r.err)
	case <-time.After(50 * time.Millisecond):
	}
	release()

	r := <-done
	require.NoError(t, r.err)
	require.NotSame(t, old, r.s)
	require.False(t, f.dialer.Last().Creds.Paired(), "replacement must start from fresh credentials")
	waitStatus(t, r.s, model.StatusPairing)

	md := metadata(t, f, id)
	require.Empty(t, md.Auth)
	require.False(t, md.Connected)
}

func TestAuth_NoSavesAfterPurge(t *testing.T) {
	f := newFixture(t)
	id := uuid.Must(uuid.NewV4())
	s := pair(t, f, id)

	f.dialer.Last().Close(protocol.ReasonLoggedOut)
	<-s.Done()
	require.Empty(t, metadata(t, f, id).Auth)

	require.NoError(t, s.SetKeys(context.Background(), authstate.Mutation{"session": {"late": {9}}}))
	require.Empty(t, metadata(t, f, id).Auth, "a late key write must not restore the pairing")
}
