package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/waconnect/internal/api"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/service"
)

var signKey = []byte("test-sign-key")

type fakeSessions struct {
	mu     sync.Mutex
	err    error
	users  []uuid.UUID
	phones []string
	msg    string
}

var _ service.SessionService = (*fakeSessions)(nil)

func (f *fakeSessions) seen(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, id)
	return f.err
}

func (f *fakeSessions) Connect(_ context.Context, id uuid.UUID) (model.Status, error) {
	if err := f.seen(id); err != nil {
		return "", err
	}
	return model.StatusPairing, nil
}

func (f *fakeSessions) Status(_ context.Context, id uuid.UUID) (model.SessionStatus, error) {
	if err := f.seen(id); err != nil {
		return model.SessionStatus{}, err
	}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.SessionStatus{
		Connected:     true,
		ConnectedAt:   &at,
		HasAuth:       true,
		SessionStatus: model.StatusConnected,
	}, nil
}

func (f *fakeSessions) QR(_ context.Context, id uuid.UUID) (string, error) {
	if err := f.seen(id); err != nil {
		return "", err
	}
	return "2@qr-ref", nil
}

func (f *fakeSessions) SyncContacts(_ context.Context, id uuid.UUID) (*model.ContactSync, error) {
	if err := f.seen(id); err != nil {
		return nil, err
	}
	return &model.ContactSync{
		Count:    1,
		Contacts: []model.InviteContact{{ID: "15551230000@s.whatsapp.net", DisplayName: "Ann", Phone: "15551230000"}},
		Source:   model.SourceContacts,
	}, nil
}

func (f *fakeSessions) SendInvites(_ context.Context, id uuid.UUID, phones []string, message string) (*model.InviteBatch, error) {
	if err := f.seen(id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.phones, f.msg = phones, message
	f.mu.Unlock()
	b := &model.InviteBatch{}
	for _, p := range phones {
		b.Results = append(b.Results, model.InviteResult{Phone: p, OK: true})
		b.Sent++
	}
	return b, nil
}

func (f *fakeSessions) Disconnect(_ context.Context, id uuid.UUID) error {
	return f.seen(id)
}

type rpcCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *rpcCounter) ObserveRPC(method, code string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[method+" "+code]++
}

func (c *rpcCounter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func startServer(t *testing.T, svc service.SessionService, obs RPCObserver) *api.SessionsClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	log := zaptest.NewLogger(t)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		MetricsUnary(obs),
		AuthUnary(signKey),
	))
	api.RegisterSessionsServer(gs, New(svc))

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		<-serveErr
	})
	return api.NewSessionsClient(conn)
}

func authed(t *testing.T, id uuid.UUID) context.Context {
	t.Helper()
	tok, _, err := IssueToken(signKey, id, time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func TestSessions_RoundTrip(t *testing.T) {
	svc := &fakeSessions{}
	obs := &rpcCounter{}
	cli := startServer(t, svc, obs)
	id := uuid.Must(uuid.NewV4())
	ctx := authed(t, id)

	conn, err := cli.Connect(ctx, &api.ConnectRequest{})
	require.NoError(t, err)
	require.Equal(t, "pairing", conn.Status)

	st, err := cli.Status(ctx, &api.StatusRequest{})
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.True(t, st.HasAuth)
	require.Equal(t, "connected", st.SessionStatus)
	require.NotNil(t, st.ConnectedAt)
	require.True(t, st.ConnectedAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	qr, err := cli.QR(ctx, &api.QRRequest{})
	require.NoError(t, err)
	require.NotNil(t, qr.QR)
	require.Equal(t, "2@qr-ref", *qr.QR)

	synced, err := cli.SyncContacts(ctx, &api.SyncContactsRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, synced.Count)
	require.Equal(t, "contacts", synced.Source)
	require.Equal(t, "Ann", synced.Contacts[0].DisplayName)

	inv, err := cli.SendInvites(ctx, &api.SendInvitesRequest{Phones: []string{"+1 555 123 0000"}, Message: "join"})
	require.NoError(t, err)
	require.Equal(t, 1, inv.Sent)
	svc.mu.Lock()
	require.Equal(t, []string{"+1 555 123 0000"}, svc.phones)
	require.Equal(t, "join", svc.msg)
	svc.mu.Unlock()

	dis, err := cli.Disconnect(ctx, &api.DisconnectRequest{})
	require.NoError(t, err)
	require.True(t, dis.OK)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, u := range svc.users {
		require.Equal(t, id, u)
	}
	require.Len(t, svc.users, 6)
	require.Equal(t, 1, obs.count(api.ConnectMethod+" OK"))
}

func TestSessions_RequiresToken(t *testing.T) {
	svc := &fakeSessions{}
	obs := &rpcCounter{}
	cli := startServer(t, svc, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.Status(ctx, &api.StatusRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer nope")
	_, err = cli.Connect(bad, &api.ConnectRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	svc.mu.Lock()
	require.Empty(t, svc.users)
	svc.mu.Unlock()
	require.Equal(t, 1, obs.count(api.StatusMethod+" Unauthenticated"))
}

func TestSessions_ErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{errs.ErrNotConnected, codes.FailedPrecondition},
		{errs.ErrEmptyMessage, codes.InvalidArgument},
		{errs.ErrInvalidPhone, codes.InvalidArgument},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrSessionClosed, codes.Unavailable},
		{fmt.Errorf("wrap: %w", errs.ErrNotConnected), codes.FailedPrecondition},
		{fmt.Errorf("db: %w", errs.ErrPersistenceFailed), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := &fakeSessions{err: tc.err}
			cli := startServer(t, svc, &rpcCounter{})
			_, err := cli.SendInvites(authed(t, uuid.Must(uuid.NewV4())), &api.SendInvitesRequest{Phones: []string{"1"}, Message: "x"})
			require.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestAuthUnary_SkipsOtherServices(t *testing.T) {
	ic := AuthUnary(signKey)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}
