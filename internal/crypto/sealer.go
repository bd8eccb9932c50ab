// Package crypto seals protocol key material at rest and provides randomness helpers.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeyLen is the required length of the server master key.
const MasterKeyLen = 32

const (
	sealVersion byte = 1
	sealInfo         = "waconnect/auth-state/v1"
)

// ErrBadEnvelope is returned when a sealed blob cannot be opened.
var ErrBadEnvelope = errors.New("bad sealed envelope")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Sealer encrypts per-user blobs with XChaCha20-Poly1305 under a key derived
// from the master key and the user ID. The user ID is also bound as AAD, so a
// blob copied to another user's record does not open.
type Sealer struct {
	master []byte
}

// NewSealer constructs a Sealer from a 32-byte master key.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != MasterKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeyLen, len(master))
	}
	return &Sealer{master: append([]byte(nil), master...)}, nil
}

func (s *Sealer) userKey(userID uuid.UUID) ([]byte, error) {
	info := append([]byte(sealInfo), userID.Bytes()...)
	r := hkdf.New(sha256.New, s.master, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts plaintext for userID. Layout: version(1) || nonce(24) || ciphertext.
func (s *Sealer) Seal(userID uuid.UUID, plaintext []byte) ([]byte, error) {
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, userID.Bytes())
	return out, nil
}

// Open decrypts a blob produced by Seal for the same userID.
func (s *Sealer) Open(userID uuid.UUID, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX || sealed[0] != sealVersion {
		return nil, ErrBadEnvelope
	}
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], userID.Bytes())
	if err != nil {
		return nil, ErrBadEnvelope
	}
	return pt, nil
}

// Argon2id parameters for MasterKeyFromPassphrase.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	minSaltLen   = 16
)

// MasterKeyFromPassphrase derives a master key from an operator passphrase
// using Argon2id. The salt must be stable across restarts or sealed state
// becomes unreadable.
func MasterKeyFromPassphrase(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("salt must be at least %d bytes", minSaltLen)
	}
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, MasterKeyLen), nil
}
