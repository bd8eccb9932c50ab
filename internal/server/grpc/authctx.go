package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

type ctxKey string

const userIDKey ctxKey = "wa.userID"

// WithUserID stores authenticated user ID in context.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx fetches user ID from context.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(userIDKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// userIDFromMD: extract "authorization: Bearer <JWT>", verify HS256, return sub as UUID.
func userIDFromMD(ctx context.Context, signKey []byte) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

// IssueToken signs an HS256 token for userID, as accepted by AuthUnary.
func IssueToken(signKey []byte, userID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, exp, nil
}
