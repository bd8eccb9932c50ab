// Command wa is a CLI client for the session manager.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/waconnect/internal/api"
	grpcserver "github.com/and161185/waconnect/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "waconnect")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "waconnect")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run: wa token)")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp from a token without verifying it.
func tokenExpiry(tok string, fallback time.Duration) time.Time {
	var claims jwt.RegisteredClaims
	_, _, _ = jwt.NewParser().ParseUnverified(tok, &claims)
	if claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(fallback)
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(o dialOpts, bearer string) (*grpc.ClientConn, *api.SessionsClient, error) {
	var creds credentials.TransportCredentials
	if o.plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewSessionsClient(cc), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `wa CLI
Usage:
  wa -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  token      -key <jwt key> -user <uuid> [-ttl 24h]   (mints and saves a token)
  token      -set <jwt>                              (saves a token issued elsewhere)
  connect
  status
  qr
  sync                                               (resolves contacts)
  invite     -message <text> [-phones a,b,c] [-file <list|->]
  disconnect
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	var o dialOpts
	flag.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	flag.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&o.skipVerify, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&o.plaintext, "plaintext", false, "no TLS (dev)")
	timeout := flag.Duration("timeout", 60*time.Second, "rpc timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("wa %s (%s)\n", version, buildDate)
		return
	case "token":
		cmdToken(args)
		return
	}

	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	cc, cli, err := dial(o, token)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "connect":
		out, err := cli.Connect(ctx, &api.ConnectRequest{})
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "status":
		out, err := cli.Status(ctx, &api.StatusRequest{})
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "qr":
		out, err := cli.QR(ctx, &api.QRRequest{})
		if err != nil {
			fail(err)
		}
		if out.QR == nil {
			fmt.Fprintln(os.Stderr, "no pairing code pending")
			os.Exit(1)
		}
		fmt.Println(*out.QR)

	case "sync":
		out, err := cli.SyncContacts(ctx, &api.SyncContactsRequest{})
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "invite":
		fs := flag.NewFlagSet("invite", flag.ExitOnError)
		msg := fs.String("message", "", "message text")
		list := fs.String("phones", "", "comma separated phones")
		file := fs.String("file", "", "file with one phone per line ('-'=stdin)")
		_ = fs.Parse(args)

		phones, err := collectPhones(*list, *file)
		if err != nil {
			fail(err)
		}
		if len(phones) == 0 || *msg == "" {
			fmt.Fprintln(os.Stderr, "need -message and -phones or -file")
			os.Exit(1)
		}
		out, err := cli.SendInvites(ctx, &api.SendInvitesRequest{Phones: phones, Message: *msg})
		if err != nil {
			fail(err)
		}
		printJSON(out)

	case "disconnect":
		out, err := cli.Disconnect(ctx, &api.DisconnectRequest{})
		if err != nil {
			fail(err)
		}
		printJSON(out)

	default:
		usage()
	}
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	key := fs.String("key", os.Getenv("WA_JWT_KEY"), "HS256 signing key (or WA_JWT_KEY)")
	user := fs.String("user", "", "user id (uuid)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	set := fs.String("set", "", "store a token issued elsewhere")
	_ = fs.Parse(args)

	if *set != "" {
		exp := tokenExpiry(*set, *ttl)
		if err := saveToken(*set, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok, expires", exp.Format(time.RFC3339))
		return
	}
	if *key == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "need -key and -user")
		os.Exit(1)
	}
	id, err := u.FromString(*user)
	if err != nil {
		fail(fmt.Errorf("bad user id: %w", err))
	}
	tok, exp, err := grpcserver.IssueToken([]byte(*key), id, *ttl)
	if err != nil {
		fail(err)
	}
	if err := saveToken(tok, exp); err != nil {
		fail(err)
	}
	fmt.Println("ok, expires", exp.Format(time.RFC3339))
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
