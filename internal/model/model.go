// Package model defines domain entities used by services and repositories.
package model

import (
	"time"
)

// Status is the connection state of a protocol session.
type Status string

const (
	StatusNone         Status = "none" // no session in this process
	StatusConnecting   Status = "connecting"
	StatusPairing      Status = "pairing"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Contact is the last-known address-book record for a protocol identifier.
type Contact struct {
	ID           string // protocol address, e.g. 15551234567@s.whatsapp.net
	Name         string // name from the user's address book
	Notify       string // push name chosen by the contact
	VerifiedName string // business verified name
}

// DisplayName returns the best available human-readable name.
func (c Contact) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Notify != "":
		return c.Notify
	default:
		return c.VerifiedName
	}
}

// Chat is the last-known conversation record.
type Chat struct {
	ID       string
	Name     string
	Subject  string // group subject
	PushName string
}

// DisplayName returns the best available human-readable name.
func (c Chat) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Subject != "":
		return c.Subject
	default:
		return c.PushName
	}
}

// InviteContact is a simplified, invite-able contact.
type InviteContact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Phone       string `json:"phone"`
}

// ContactSource names the feed an invite list was built from.
type ContactSource string

const (
	SourceContacts ContactSource = "contacts"
	SourceChats    ContactSource = "chats"
)

// ContactSync is the result of a contact resolution.
type ContactSync struct {
	Count    int
	Contacts []InviteContact
	Source   ContactSource
}

// InviteResult reports the outcome for a single recipient.
type InviteResult struct {
	Phone string
	OK    bool
	Error string
}

// InviteBatch is the outcome of a batch send.
type InviteBatch struct {
	Sent    int
	Results []InviteResult
}

// SessionStatus is the read-side view combining stored metadata and the live session.
type SessionStatus struct {
	Connected     bool
	ConnectedAt   *time.Time
	HasAuth       bool
	SessionStatus Status
	HasQR         bool
	LastError     string
}

// UserMetadata is the persisted per-user record of the messaging integration.
// It is stored as the nested "whatsapp" object of the profile metadata.
type UserMetadata struct {
	Auth        []byte          `json:"auth,omitempty"` // sealed AuthState envelope
	Connected   bool            `json:"connected"`
	ConnectedAt *time.Time      `json:"connectedAt,omitempty"`
	LastQRAt    *time.Time      `json:"lastQrAt,omitempty"`
	LastSyncAt  *time.Time      `json:"lastSyncAt,omitempty"`
	Contacts    []InviteContact `json:"contacts,omitempty"`
}

// MetadataPatch is a partial update of UserMetadata. Nil fields are left
// untouched; Clear* flags remove the field from the stored record.
type MetadataPatch struct {
	Auth          []byte
	ClearAuth     bool
	Connected     *bool
	ConnectedAt   *time.Time
	LastQRAt      *time.Time
	LastSyncAt    *time.Time
	Contacts      []InviteContact
	ClearContacts bool
}

// Fields renders the patch as a top-level object to merge into the stored record.
// A nil value means "remove the key".
func (p MetadataPatch) Fields() map[string]any {
	out := map[string]any{}
	switch {
	case p.ClearAuth:
		out["auth"] = nil
	case p.Auth != nil:
		out["auth"] = p.Auth
	}
	if p.Connected != nil {
		out["connected"] = *p.Connected
	}
	if p.ConnectedAt != nil {
		out["connectedAt"] = p.ConnectedAt.UTC()
	}
	if p.LastQRAt != nil {
		out["lastQrAt"] = p.LastQRAt.UTC()
	}
	if p.LastSyncAt != nil {
		out["lastSyncAt"] = p.LastSyncAt.UTC()
	}
	switch {
	case p.ClearContacts:
		out["contacts"] = nil
	case p.Contacts != nil:
		out["contacts"] = p.Contacts
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (p MetadataPatch) Empty() bool { return len(p.Fields()) == 0 }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to t, for building patches.
func Time(t time.Time) *time.Time { return &t }
