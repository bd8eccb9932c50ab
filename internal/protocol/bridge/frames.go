// Package bridge implements protocol.Client over a websocket to the protocol
// bridge sidecar, which runs the actual multi-device messaging stack. The
// bridge keeps no state of its own: credentials arrive with hello and every
// key read or write is delegated back to this side.
package bridge

import (
	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/model"
)

// Frame types sent to the bridge.
const (
	TypeHello      = "hello"
	TypeResync     = "resync"
	TypeSend       = "send"
	TypeLogout     = "logout"
	TypeEnd        = "end"
	TypeKeysResult = "keys.result"
	TypeAck        = "ack"
)

// Frame types received from the bridge.
const (
	TypeQR          = "qr"
	TypeOpen        = "open"
	TypeClose       = "close"
	TypeCredsUpdate = "creds.update"
	TypeKeysGet     = "keys.get"
	TypeKeysSet     = "keys.set"
	TypeContacts    = "contacts.upsert"
	TypeChats       = "chats.upsert"
	TypeResult      = "result"
)

// Frame is the single JSON envelope used in both directions.
type Frame struct {
	Type    string                 `json:"type"`
	ID      uint64                 `json:"id,omitempty"`
	Session string                 `json:"session,omitempty"`
	Creds   *authstate.Credentials `json:"creds,omitempty"`

	QR      string `json:"qr,omitempty"`
	Me      string `json:"me,omitempty"`
	Reason  int    `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`

	KeyType string             `json:"keyType,omitempty"`
	IDs     []string           `json:"ids,omitempty"`
	Keys    map[string][]byte  `json:"keys,omitempty"`
	Data    authstate.Mutation `json:"data,omitempty"` // null entries delete

	Contacts []WireContact `json:"contacts,omitempty"`
	Chats    []WireChat    `json:"chats,omitempty"`

	Error string `json:"error,omitempty"`
}

// WireContact is a contact as reported by the bridge.
type WireContact struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Notify       string `json:"notify,omitempty"`
	VerifiedName string `json:"verifiedName,omitempty"`
}

// WireChat is a chat as reported by the bridge.
type WireChat struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Subject  string `json:"subject,omitempty"`
	PushName string `json:"pushName,omitempty"`
}

func toContacts(in []WireContact) []model.Contact {
	out := make([]model.Contact, 0, len(in))
	for _, c := range in {
		if c.ID == "" {
			continue
		}
		out = append(out, model.Contact{ID: c.ID, Name: c.Name, Notify: c.Notify, VerifiedName: c.VerifiedName})
	}
	return out
}

func toChats(in []WireChat) []model.Chat {
	out := make([]model.Chat, 0, len(in))
	for _, c := range in {
		if c.ID == "" {
			continue
		}
		out = append(out, model.Chat{ID: c.ID, Name: c.Name, Subject: c.Subject, PushName: c.PushName})
	}
	return out
}
