// Package protocol describes the messaging-protocol client the session layer drives:
// the events a live connection emits, the commands it accepts, and how a
// connection is dialed for a given auth state.
package protocol

import (
	"context"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/model"
)

// Client is one live protocol connection. Events are delivered in emission
// order on a single channel that is closed after the final EventClosed.
type Client interface {
	// Events returns the inbound event stream.
	Events() <-chan Event
	// Resync asks the network to re-push application state for all buckets.
	Resync(ctx context.Context) error
	// SendText sends a plain text message to a protocol address.
	SendText(ctx context.Context, to, text string) error
	// Logout unpairs the device on the remote end.
	Logout(ctx context.Context) error
	// End closes the connection without invalidating the pairing.
	End() error
}

// KeyStore is consulted by the client whenever the protocol needs key material.
// Set must persist before returning.
type KeyStore interface {
	GetKeys(keyType string, ids []string) map[string][]byte
	SetKeys(ctx context.Context, m authstate.Mutation) error
}

// Dialer opens connections.
type Dialer interface {
	// Dial starts a connection for session using creds. The returned client
	// emits EventQR for an unpaired device or EventOpen when resuming.
	Dial(ctx context.Context, session string, creds authstate.Credentials, keys KeyStore) (Client, error)
}

// EventKind enumerates connection events.
type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpen
	EventClosed
	EventCredsUpdate
	EventContacts
	EventChats
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventCredsUpdate:
		return "creds.update"
	case EventContacts:
		return "contacts"
	case EventChats:
		return "chats"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle or data event. Only the fields of its Kind are set.
type Event struct {
	Kind     EventKind
	QR       string                 // EventQR
	Me       string                 // EventOpen: own protocol address
	Reason   DisconnectReason       // EventClosed
	Message  string                 // EventClosed: diagnostic
	Creds    *authstate.Credentials // EventCredsUpdate
	Contacts []model.Contact        // EventContacts
	Chats    []model.Chat           // EventChats
}

// DisconnectReason is the numeric close cause reported by the protocol.
type DisconnectReason int

const (
	ReasonUnknown             DisconnectReason = 0
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonConnectionLost      DisconnectReason = 408
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailableService  DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

// LoggedOut reports whether the remote end invalidated the pairing.
func (r DisconnectReason) LoggedOut() bool { return r == ReasonLoggedOut }

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonMultideviceMismatch:
		return "multi-device mismatch"
	case ReasonConnectionClosed:
		return "connection closed"
	case ReasonConnectionReplaced:
		return "connection replaced"
	case ReasonBadSession:
		return "bad session"
	case ReasonUnavailableService:
		return "unavailable service"
	case ReasonRestartRequired:
		return "restart required"
	default:
		return "unknown"
	}
}
