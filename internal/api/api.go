// Package api defines the wire contract of the Sessions gRPC service: request
// and response messages, the service descriptor and a typed client. Messages
// travel with the JSON codec registered by this package.
package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "waconnect.v1.Sessions"

// Full method names.
const (
	ConnectMethod      = "/" + ServiceName + "/Connect"
	StatusMethod       = "/" + ServiceName + "/Status"
	QRMethod           = "/" + ServiceName + "/QR"
	SyncContactsMethod = "/" + ServiceName + "/SyncContacts"
	SendInvitesMethod  = "/" + ServiceName + "/SendInvites"
	DisconnectMethod   = "/" + ServiceName + "/Disconnect"
)

type ConnectRequest struct{}

type ConnectResponse struct {
	Status string `json:"status"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Connected     bool       `json:"connected"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	HasAuth       bool       `json:"hasAuth"`
	SessionStatus string     `json:"sessionStatus"`
	HasQR         bool       `json:"hasQr"`
	LastError     string     `json:"lastError,omitempty"`
}

type QRRequest struct{}

// QRResponse carries the pending pairing code; QR is nil when none is pending.
type QRResponse struct {
	QR *string `json:"qr"`
}

type SyncContactsRequest struct{}

type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Phone       string `json:"phone"`
}

type SyncContactsResponse struct {
	Count    int       `json:"count"`
	Contacts []Contact `json:"contacts"`
	Source   string    `json:"source"`
}

type SendInvitesRequest struct {
	Phones  []string `json:"phones"`
	Message string   `json:"message"`
}

type InviteResult struct {
	Phone string `json:"phone"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type SendInvitesResponse struct {
	Sent    int            `json:"sent"`
	Results []InviteResult `json:"results"`
}

type DisconnectRequest struct{}

type DisconnectResponse struct {
	OK bool `json:"ok"`
}

// SessionsServer is implemented by the service handlers.
type SessionsServer interface {
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	QR(context.Context, *QRRequest) (*QRResponse, error)
	SyncContacts(context.Context, *SyncContactsRequest) (*SyncContactsResponse, error)
	SendInvites(context.Context, *SendInvitesRequest) (*SendInvitesResponse, error)
	Disconnect(context.Context, *DisconnectRequest) (*DisconnectResponse, error)
}

// RegisterSessionsServer registers srv on s.
func RegisterSessionsServer(s grpc.ServiceRegistrar, srv SessionsServer) {
	s.RegisterService(&SessionsServiceDesc, srv)
}

// SessionsServiceDesc describes the service for grpc.Server.
var SessionsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", ConnectMethod, SessionsServer.Connect),
		unary("Status", StatusMethod, SessionsServer.Status),
		unary("QR", QRMethod, SessionsServer.QR),
		unary("SyncContacts", SyncContactsMethod, SessionsServer.SyncContacts),
		unary("SendInvites", SendInvitesMethod, SessionsServer.SendInvites),
		unary("Disconnect", DisconnectMethod, SessionsServer.Disconnect),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "waconnect/v1/sessions",
}

func unary[Req, Resp any](name, fullMethod string, call func(SessionsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SessionsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SessionsServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SessionsClient is a typed client of the Sessions service.
type SessionsClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionsClient constructs a client over cc.
func NewSessionsClient(cc grpc.ClientConnInterface) *SessionsClient {
	return &SessionsClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionsClient) Connect(ctx context.Context, in *ConnectRequest, opts ...grpc.CallOption) (*ConnectResponse, error) {
	return invoke[ConnectResponse](ctx, c.cc, ConnectMethod, in, opts)
}

func (c *SessionsClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, StatusMethod, in, opts)
}

func (c *SessionsClient) QR(ctx context.Context, in *QRRequest, opts ...grpc.CallOption) (*QRResponse, error) {
	return invoke[QRResponse](ctx, c.cc, QRMethod, in, opts)
}

func (c *SessionsClient) SyncContacts(ctx context.Context, in *SyncContactsRequest, opts ...grpc.CallOption) (*SyncContactsResponse, error) {
	return invoke[SyncContactsResponse](ctx, c.cc, SyncContactsMethod, in, opts)
}

func (c *SessionsClient) SendInvites(ctx context.Context, in *SendInvitesRequest, opts ...grpc.CallOption) (*SendInvitesResponse, error) {
	return invoke[SendInvitesResponse](ctx, c.cc, SendInvitesMethod, in, opts)
}

func (c *SessionsClient) Disconnect(ctx context.Context, in *DisconnectRequest, opts ...grpc.CallOption) (*DisconnectResponse, error) {
	return invoke[DisconnectResponse](ctx, c.cc, DisconnectMethod, in, opts)
}
