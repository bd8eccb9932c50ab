package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := RandBytes(MasterKeyLen)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestRandBytes_LengthUniq(t *testing.T) {
	t.Parallel()
	a, err := RandBytes(48)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != 48 {
		t.Fatalf("len=%d, want=48", len(a))
	}
	b, _ := RandBytes(48)
	if bytes.Equal(a, b) {
		t.Fatalf("RandBytes produced equal slices")
	}
}

func TestNewSealer_KeyLength(t *testing.T) {
	t.Parallel()
	if _, err := NewSealer(make([]byte, 16)); err == nil {
		t.Fatalf("want error on short master key")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	t.Parallel()
	s := testSealer(t)
	user := uuid.Must(uuid.NewV4())
	pt := []byte{0, 1, 2, 0xff, 0xfe}

	sealed, err := s.Seal(user, pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, pt) {
		t.Fatalf("plaintext leaked into envelope")
	}
	got, err := s.Open(user, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: %x", got)
	}

	again, _ := s.Seal(user, pt)
	if bytes.Equal(sealed, again) {
		t.Fatalf("nonce must be random")
	}
}

func TestOpen_WrongUserOrTamper(t *testing.T) {
	t.Parallel()
	s := testSealer(t)
	user := uuid.Must(uuid.NewV4())
	sealed, err := s.Seal(user, []byte("creds"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := s.Open(uuid.Must(uuid.NewV4()), sealed); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("want ErrBadEnvelope for other user, got %v", err)
	}

	bad := append([]byte(nil), sealed...)
	bad[len(bad)-1] ^= 0x01
	if _, err := s.Open(user, bad); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("want ErrBadEnvelope on tamper, got %v", err)
	}

	if _, err := s.Open(user, []byte{1, 2, 3}); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("want ErrBadEnvelope on short blob, got %v", err)
	}

	other := append([]byte(nil), sealed...)
	other[0] = 9
	if _, err := s.Open(user, other); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("want ErrBadEnvelope on unknown version, got %v", err)
	}
}

func TestSealers_DifferentMasterKeys(t *testing.T) {
	t.Parallel()
	a, b := testSealer(t), testSealer(t)
	user := uuid.Must(uuid.NewV4())
	sealed, _ := a.Seal(user, []byte("x"))
	if _, err := b.Open(user, sealed); err == nil {
		t.Fatalf("want error with a different master key")
	}
}

func TestMasterKeyFromPassphrase(t *testing.T) {
	t.Parallel()

	salt := []byte("0123456789abcdef")
	k1, err := MasterKeyFromPassphrase([]byte("correct horse"), salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(k1) != MasterKeyLen {
		t.Fatalf("len=%d", len(k1))
	}
	k2, _ := MasterKeyFromPassphrase([]byte("correct horse"), salt)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("derivation must be deterministic")
	}
	k3, _ := MasterKeyFromPassphrase([]byte("other"), salt)
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passphrases gave same key")
	}
	if _, err := NewSealer(k1); err != nil {
		t.Fatalf("derived key rejected: %v", err)
	}

	if _, err := MasterKeyFromPassphrase(nil, salt); err == nil {
		t.Fatalf("want error on empty passphrase")
	}
	if _, err := MasterKeyFromPassphrase([]byte("x"), []byte("short")); err == nil {
		t.Fatalf("want error on short salt")
	}
}
