// Command wa-server starts the session manager gRPC server.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/waconnect/internal/api"
	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/crypto"
	"github.com/and161185/waconnect/internal/limiter"
	"github.com/and161185/waconnect/internal/metrics"
	"github.com/and161185/waconnect/internal/migrate"
	"github.com/and161185/waconnect/internal/protocol/bridge"
	"github.com/and161185/waconnect/internal/repository"
	"github.com/and161185/waconnect/internal/repository/memory"
	"github.com/and161185/waconnect/internal/repository/postgres"
	grpcserver "github.com/and161185/waconnect/internal/server/grpc"
	"github.com/and161185/waconnect/internal/service"
	"github.com/and161185/waconnect/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and serves the session operations.
func main() {
	// Flags
	addr := flag.String("addr", ":8443", "listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (empty: in-memory store, dev only)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	masterKey := flag.String("master-key", "", "base64 32-byte key sealing auth state at rest")
	masterPass := flag.String("master-passphrase", "", "derive the sealing key from a passphrase instead of -master-key")
	masterSalt := flag.String("master-salt", "", "stable salt for -master-passphrase (>= 16 bytes)")
	certFile := flag.String("tls-cert", "cert.pem", "TLS certificate (PEM)")
	keyFile := flag.String("tls-key", "key.pem", "TLS private key (PEM)")
	plaintext := flag.Bool("plaintext", false, "serve without TLS (dev only)")
	bridgeURL := flag.String("bridge-url", "ws://127.0.0.1:7070/session", "protocol bridge websocket URL")
	bridgeToken := flag.String("bridge-token", "", "bearer token for the protocol bridge")
	metricsAddr := flag.String("metrics-addr", ":9090", "metrics listen address (empty disables)")
	syncTimeout := flag.Duration("sync-timeout", 12*time.Second, "contact resolution wait bound")
	sendInterval := flag.Duration("send-interval", 750*time.Millisecond, "spacing between invite sends")
	inviteQuota := flag.Int("invite-quota", 200, "invites per user per window")
	inviteWindow := flag.Duration("invite-window", 24*time.Hour, "invite quota window")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}
	var master []byte
	if *masterPass != "" {
		k, err := crypto.MasterKeyFromPassphrase([]byte(*masterPass), []byte(*masterSalt))
		if err != nil {
			logger.Fatal("master passphrase", zap.Error(err))
		}
		master = k
	} else {
		k, err := base64.StdEncoding.DecodeString(*masterKey)
		if err != nil || len(k) != crypto.MasterKeyLen {
			logger.Fatal("master key must be base64 of 32 bytes (--master-key or --master-passphrase)")
		}
		master = k
	}
	sealer, err := crypto.NewSealer(master)
	if err != nil {
		logger.Fatal("sealer", zap.Error(err))
	}

	opts := []grpc.ServerOption{}
	if !*plaintext {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		profiles repository.ProfileRepository
		quota    limiter.Quota
	)
	if *dsn == "" {
		logger.Warn("no dsn, using in-memory store")
		profiles = memory.NewProfileRepo()
		quota = limiter.NewMemory(*inviteWindow, *inviteQuota)
	} else {
		if err := migrate.Up(ctx, *dsn, logger); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		pool, err := pgxpool.New(ctx, *dsn)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		defer pool.Close()
		profiles = postgres.NewProfileRepo(&postgres.DB{Pool: pool})
		quota = limiter.NewPG(pool, *inviteWindow, *inviteQuota)
	}

	m := metrics.New()

	// Sessions
	dialer := bridge.NewDialer(bridge.Config{URL: *bridgeURL, Token: *bridgeToken}, logger.Named("bridge"))
	reg := session.NewRegistry(authstate.NewStore(profiles, sealer), profiles, dialer, logger.Named("session"),
		session.WithObserver(m),
	)
	sessions := service.NewSessionService(reg, profiles, quota, m, logger.Named("service"), service.Config{
		SyncTimeout:  *syncTimeout,
		SendInterval: *sendInterval,
	})

	// gRPC server with interceptors
	opts = append(opts, grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(logger),
		grpcserver.LoggingUnary(logger),
		grpcserver.MetricsUnary(m),
		grpcserver.AuthUnary([]byte(*jwtKey)),
	))
	s := grpc.NewServer(opts...)
	api.RegisterSessionsServer(s, grpcserver.New(sessions))

	// Health only; Sessions has no proto descriptor for reflection.
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	// Listen
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.Bool("tls", !*plaintext))
		errCh <- s.Serve(lis)
	}()

	var ms *http.Server
	if *metricsAddr != "" {
		ms = &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", *metricsAddr))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	// sessions end without logout so pairings survive the restart
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(sctx); err != nil {
		logger.Warn("session shutdown", zap.Error(err))
	}
	if ms != nil {
		_ = ms.Shutdown(sctx)
	}

	logger.Info("shutdown complete")
}
