package authstate

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// envelopeVersion is bumped on incompatible layout changes.
const envelopeVersion = 1

// ErrUnsupportedVersion is returned for envelopes written by a newer layout.
var ErrUnsupportedVersion = errors.New("unsupported auth state version")

// Envelope field numbers.
const (
	fVersion protowire.Number = 1
	fCreds   protowire.Number = 2
	fKey     protowire.Number = 3

	fKeyType protowire.Number = 1
	fKeyID   protowire.Number = 2
	fKeyData protowire.Number = 3

	fPairPriv protowire.Number = 1
	fPairPub  protowire.Number = 2

	fSignedPair protowire.Number = 1
	fSignedSig  protowire.Number = 2
	fSignedID   protowire.Number = 3

	fMeID   protowire.Number = 1
	fMeName protowire.Number = 2
	fMeLID  protowire.Number = 3

	fNoise           protowire.Number = 1
	fEphemeral       protowire.Number = 2
	fIdentity        protowire.Number = 3
	fPreKey          protowire.Number = 4
	fRegID           protowire.Number = 5
	fAdvSecret       protowire.Number = 6
	fNextPreKey      protowire.Number = 7
	fFirstUnuploaded protowire.Number = 8
	fMe              protowire.Number = 9
	fAccount         protowire.Number = 10
	fPlatform        protowire.Number = 11
	fRegistered      protowire.Number = 12
	fRouting         protowire.Number = 13
)

// Encode serializes the state into a binary-safe protobuf-wire envelope.
// Key entries are written in sorted order so equal states encode equally.
func Encode(s *State) []byte {
	var b []byte
	b = protowire.AppendTag(b, fVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = protowire.AppendTag(b, fCreds, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeCreds(s.Creds))

	types := make([]string, 0, len(s.Keys))
	for t := range s.Keys {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		ids := make([]string, 0, len(s.Keys[t]))
		for id := range s.Keys[t] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			var e []byte
			e = appendString(e, fKeyType, t)
			e = appendString(e, fKeyID, id)
			e = protowire.AppendTag(e, fKeyData, protowire.BytesType)
			e = protowire.AppendBytes(e, s.Keys[t][id])
			b = protowire.AppendTag(b, fKey, protowire.BytesType)
			b = protowire.AppendBytes(b, e)
		}
	}
	return b
}

// Decode parses an envelope produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (*State, error) {
	s := &State{Keys: Keys{}}
	var version uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == fVersion && typ == protowire.VarintType:
			version = u
		case num == fCreds && typ == protowire.BytesType:
			c, err := decodeCreds(v)
			if err != nil {
				return fmt.Errorf("creds: %w", err)
			}
			s.Creds = c
		case num == fKey && typ == protowire.BytesType:
			var kt, id string
			var data []byte
			if err := walk(v, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				if t != protowire.BytesType {
					return nil
				}
				switch n {
				case fKeyType:
					kt = string(v)
				case fKeyID:
					id = string(v)
				case fKeyData:
					data = append([]byte{}, v...)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("key: %w", err)
			}
			s.Keys.Apply(Mutation{kt: {id: data}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if version == 0 || version > envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return s, nil
}

func encodeCreds(c Credentials) []byte {
	var b []byte
	b = appendMsg(b, fNoise, encodePair(c.NoiseKey))
	b = appendMsg(b, fEphemeral, encodePair(c.PairingEphemeralKey))
	b = appendMsg(b, fIdentity, encodePair(c.SignedIdentityKey))

	var sp []byte
	sp = appendMsg(sp, fSignedPair, encodePair(c.SignedPreKey.KeyPair))
	sp = appendBytes(sp, fSignedSig, c.SignedPreKey.Signature)
	sp = appendVarint(sp, fSignedID, uint64(c.SignedPreKey.KeyID))
	b = appendMsg(b, fPreKey, sp)

	b = appendVarint(b, fRegID, uint64(c.RegistrationID))
	b = appendBytes(b, fAdvSecret, c.AdvSecretKey)
	b = appendVarint(b, fNextPreKey, uint64(c.NextPreKeyID))
	b = appendVarint(b, fFirstUnuploaded, uint64(c.FirstUnuploadedPreKeyID))
	if c.Me != nil {
		var me []byte
		me = appendString(me, fMeID, c.Me.ID)
		me = appendString(me, fMeName, c.Me.Name)
		me = appendString(me, fMeLID, c.Me.LID)
		b = appendMsg(b, fMe, me)
	}
	b = appendBytes(b, fAccount, c.Account)
	b = appendString(b, fPlatform, c.Platform)
	b = appendVarint(b, fRegistered, protowire.EncodeBool(c.Registered))
	b = appendBytes(b, fRouting, c.RoutingInfo)
	return b
}

func decodeCreds(b []byte) (Credentials, error) {
	var c Credentials
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case fNoise:
			c.NoiseKey, err = decodePair(v)
		case fEphemeral:
			c.PairingEphemeralKey, err = decodePair(v)
		case fIdentity:
			c.SignedIdentityKey, err = decodePair(v)
		case fPreKey:
			err = walk(v, func(n protowire.Number, _ protowire.Type, v []byte, u uint64) error {
				var err error
				switch n {
				case fSignedPair:
					c.SignedPreKey.KeyPair, err = decodePair(v)
				case fSignedSig:
					c.SignedPreKey.Signature = clone(v)
				case fSignedID:
					c.SignedPreKey.KeyID = uint32(u)
				}
				return err
			})
		case fRegID:
			c.RegistrationID = uint32(u)
		case fAdvSecret:
			c.AdvSecretKey = clone(v)
		case fNextPreKey:
			c.NextPreKeyID = uint32(u)
		case fFirstUnuploaded:
			c.FirstUnuploadedPreKeyID = uint32(u)
		case fMe:
			me := &Identity{}
			err = walk(v, func(n protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				switch n {
				case fMeID:
					me.ID = string(v)
				case fMeName:
					me.Name = string(v)
				case fMeLID:
					me.LID = string(v)
				}
				return nil
			})
			c.Me = me
		case fAccount:
			c.Account = clone(v)
		case fPlatform:
			c.Platform = string(v)
		case fRegistered:
			c.Registered = protowire.DecodeBool(u)
		case fRouting:
			c.RoutingInfo = clone(v)
		}
		return err
	})
	return c, err
}

func encodePair(p KeyPair) []byte {
	var b []byte
	b = appendBytes(b, fPairPriv, p.Private)
	b = appendBytes(b, fPairPub, p.Public)
	return b
}

func decodePair(b []byte) (KeyPair, error) {
	var p KeyPair
	err := walk(b, func(n protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch n {
		case fPairPriv:
			p.Private = clone(v)
		case fPairPub:
			p.Public = clone(v)
		}
		return nil
	})
	return p, err
}

// walk iterates over the fields of one message. For bytes fields v is the
// payload, for varint fields u is the value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			u, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func appendMsg(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendMsg(b, num, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func clone(v []byte) []byte { return append([]byte(nil), v...) }
