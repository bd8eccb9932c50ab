// Package grpcserver exposes the session operations over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/waconnect/internal/api"
	"github.com/and161185/waconnect/internal/convert"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/service"
)

// Server wires the session service into gRPC handlers.
type Server struct {
	sessions service.SessionService
}

var _ api.SessionsServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(sessions service.SessionService) *Server {
	return &Server{sessions: sessions}
}

// Connect ensures a session and returns its status.
func (s *Server) Connect(ctx context.Context, _ *api.ConnectRequest) (*api.ConnectResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	st, err := s.sessions.Connect(ctx, userID)
	if err != nil {
		return nil, toStatus("connect", err)
	}
	return &api.ConnectResponse{Status: string(st)}, nil
}

// Status returns the combined stored and live state.
func (s *Server) Status(ctx context.Context, _ *api.StatusRequest) (*api.StatusResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	st, err := s.sessions.Status(ctx, userID)
	if err != nil {
		return nil, toStatus("status", err)
	}
	return convert.ToStatusResponse(st), nil
}

// QR returns the pending pairing code.
func (s *Server) QR(ctx context.Context, _ *api.QRRequest) (*api.QRResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	qr, err := s.sessions.QR(ctx, userID)
	if err != nil {
		return nil, toStatus("qr", err)
	}
	return convert.ToQRResponse(qr), nil
}

// SyncContacts resolves the invite-able contact list.
func (s *Server) SyncContacts(ctx context.Context, _ *api.SyncContactsRequest) (*api.SyncContactsResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	cs, err := s.sessions.SyncContacts(ctx, userID)
	if err != nil {
		return nil, toStatus("sync contacts", err)
	}
	return convert.ToSyncContactsResponse(cs), nil
}

// SendInvites sends a message to a batch of phone numbers.
func (s *Server) SendInvites(ctx context.Context, req *api.SendInvitesRequest) (*api.SendInvitesResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	b, err := s.sessions.SendInvites(ctx, userID, req.Phones, req.Message)
	if err != nil {
		return nil, toStatus("send invites", err)
	}
	return convert.ToSendInvitesResponse(b), nil
}

// Disconnect logs the device out and forgets the pairing.
func (s *Server) Disconnect(ctx context.Context, _ *api.DisconnectRequest) (*api.DisconnectResponse, error) {
	userID, ok := UserIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if err := s.sessions.Disconnect(ctx, userID); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &api.DisconnectResponse{OK: true}, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotConnected):
		return status.Error(codes.FailedPrecondition, "not connected")
	case errors.Is(err, errs.ErrEmptyMessage), errors.Is(err, errs.ErrInvalidPhone):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrSessionClosed):
		return status.Error(codes.Unavailable, "shutting down")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
