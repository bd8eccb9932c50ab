// Package authstate holds the protocol pairing credentials and key store,
// their binary envelope, and their eager persistence into the profile store.
package authstate

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/and161185/waconnect/internal/crypto"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// SignedKeyPair is a pre-key signed by the identity key.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature,omitempty"`
	KeyID     uint32  `json:"keyId"`
}

// Identity is the account the device is paired to.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// Credentials is the long-lived device identity needed to resume a connection.
type Credentials struct {
	NoiseKey                KeyPair       `json:"noiseKey"`
	PairingEphemeralKey     KeyPair       `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey       KeyPair       `json:"signedIdentityKey"`
	SignedPreKey            SignedKeyPair `json:"signedPreKey"`
	RegistrationID          uint32        `json:"registrationId"`
	AdvSecretKey            []byte        `json:"advSecretKey"`
	NextPreKeyID            uint32        `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32        `json:"firstUnuploadedPreKeyId"`
	Me                      *Identity     `json:"me,omitempty"`
	Account                 []byte        `json:"account,omitempty"` // signed device identity, opaque
	Platform                string        `json:"platform,omitempty"`
	Registered              bool          `json:"registered"`
	RoutingInfo             []byte        `json:"routingInfo,omitempty"`
}

// Paired reports whether the credentials belong to a paired device.
func (c Credentials) Paired() bool { return c.Me != nil && c.Me.ID != "" }

// Keys maps key type -> key id -> key material.
type Keys map[string]map[string][]byte

// Mutation is a batch of key writes; a nil value deletes the id.
type Mutation map[string]map[string][]byte

// State is the full persisted authentication state of one device.
type State struct {
	Creds Credentials
	Keys  Keys
}

// NewState returns a state with fresh credentials and an empty key store.
func NewState() (*State, error) {
	c, err := NewCredentials()
	if err != nil {
		return nil, err
	}
	return &State{Creds: c, Keys: Keys{}}, nil
}

// NewCredentials generates an unpaired device identity. The signed pre-key
// signature is produced by the protocol client on first use and comes back
// through a credential update.
func NewCredentials() (Credentials, error) {
	var c Credentials
	var err error
	if c.NoiseKey, err = newKeyPair(); err != nil {
		return c, err
	}
	if c.PairingEphemeralKey, err = newKeyPair(); err != nil {
		return c, err
	}
	if c.SignedIdentityKey, err = newKeyPair(); err != nil {
		return c, err
	}
	if c.SignedPreKey.KeyPair, err = newKeyPair(); err != nil {
		return c, err
	}
	c.SignedPreKey.KeyID = 1

	rid, err := crypto.RandBytes(2)
	if err != nil {
		return c, err
	}
	c.RegistrationID = uint32(binary.BigEndian.Uint16(rid)&0x3fff) + 1
	if c.AdvSecretKey, err = crypto.RandBytes(32); err != nil {
		return c, err
	}
	c.NextPreKeyID = 1
	c.FirstUnuploadedPreKeyID = 1
	return c, nil
}

func newKeyPair() (KeyPair, error) {
	priv, err := crypto.RandBytes(curve25519.ScalarSize)
	if err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// Get returns the stored material for ids of keyType; missing ids are omitted.
func (k Keys) Get(keyType string, ids []string) map[string][]byte {
	out := make(map[string][]byte, len(ids))
	byID := k[keyType]
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out[id] = append([]byte(nil), v...)
		}
	}
	return out
}

// Apply adds or deletes individual entries; unrelated types and ids are untouched.
func (k Keys) Apply(m Mutation) {
	for typ, entries := range m {
		byID := k[typ]
		for id, v := range entries {
			if v == nil {
				if byID != nil {
					delete(byID, id)
				}
				continue
			}
			if byID == nil {
				byID = map[string][]byte{}
				k[typ] = byID
			}
			byID[id] = append([]byte(nil), v...)
		}
		if byID != nil && len(byID) == 0 {
			delete(k, typ)
		}
	}
}

// Len returns the number of stored entries across all types.
func (k Keys) Len() int {
	n := 0
	for _, byID := range k {
		n += len(byID)
	}
	return n
}
