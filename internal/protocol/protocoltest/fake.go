// Package protocoltest provides a scriptable in-memory protocol client for tests.
package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/model"
	"github.com/and161185/waconnect/internal/protocol"
)

// ErrClosed is returned by commands on a closed client.
var ErrClosed = errors.New("fake client closed")

// Dialer records every dial and hands out fake clients.
type Dialer struct {
	// OnDial runs after a client is created, before it is returned.
	OnDial func(c *Client)
	// Err fails every dial when set.
	Err error

	mu    sync.Mutex
	dials []*Client
}

var _ protocol.Dialer = (*Dialer)(nil)

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(_ context.Context, session string, creds authstate.Credentials, keys protocol.KeyStore) (protocol.Client, error) {
	d.mu.Lock()
	if d.Err != nil {
		d.mu.Unlock()
		return nil, d.Err
	}
	c := &Client{Session: session, Creds: creds, Keys: keys, events: make(chan protocol.Event, 256)}
	d.dials = append(d.dials, c)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c, nil
}

// Dials returns all clients created so far.
func (d *Dialer) Dials() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.dials...)
}

// Last returns the most recent client, or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

// ResumeOrQR emits EventOpen as me when the dialed credentials are paired,
// otherwise a QR code.
func ResumeOrQR(me string) func(c *Client) {
	return func(c *Client) {
		if c.Creds.Paired() {
			c.Emit(protocol.Event{Kind: protocol.EventOpen, Me: me})
			return
		}
		c.Emit(protocol.Event{Kind: protocol.EventQR, QR: "qr-" + c.Session})
	}
}

// Sent is one recorded outbound message.
type Sent struct {
	To   string
	Text string
}

// Client is a fake protocol connection.
type Client struct {
	Session string
	Creds   authstate.Credentials
	Keys    protocol.KeyStore

	// SendErr decides per recipient whether a send fails.
	SendErr func(to string) error
	// ResyncErr fails Resync when set.
	ResyncErr error
	// HangResync makes Resync block until its context is done.
	HangResync bool
	// OnResync runs on every successful Resync.
	OnResync func(c *Client)
	// LogoutErr fails Logout when set.
	LogoutErr error

	events chan protocol.Event

	mu      sync.Mutex
	closed  bool
	sent    []Sent
	resyncs int
	logouts int
	ended   int
}

var _ protocol.Client = (*Client)(nil)

// Events implements protocol.Client.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Emit queues an event; it is dropped once the client is closed.
func (c *Client) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Close emits EventClosed with reason and closes the stream.
func (c *Client) Close(reason protocol.DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *Client) closeLocked(reason protocol.DisconnectReason) {
	if c.closed {
		return
	}
	c.events <- protocol.Event{Kind: protocol.EventClosed, Reason: reason, Message: reason.String()}
	c.closed = true
	close(c.events)
}

// Pair simulates a completed QR scan: credentials update followed by open.
func (c *Client) Pair(me string) {
	creds := c.Creds
	creds.Me = &authstate.Identity{ID: me}
	creds.Registered = true
	c.Emit(protocol.Event{Kind: protocol.EventCredsUpdate, Creds: &creds})
	c.Emit(protocol.Event{Kind: protocol.EventOpen, Me: me})
}

// PushContacts emits an address-book batch.
func (c *Client) PushContacts(cs ...model.Contact) {
	c.Emit(protocol.Event{Kind: protocol.EventContacts, Contacts: cs})
}

// PushChats emits a conversation-list batch.
func (c *Client) PushChats(chats ...model.Chat) {
	c.Emit(protocol.Event{Kind: protocol.EventChats, Chats: chats})
}

// Resync implements protocol.Client.
func (c *Client) Resync(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.resyncs++
	err := c.ResyncErr
	hook := c.OnResync
	hang := c.HangResync
	c.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if hook != nil {
		hook(c)
	}
	return nil
}

// SendText implements protocol.Client.
func (c *Client) SendText(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		if err := c.SendErr(to); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

// Logout implements protocol.Client; it closes the stream with ReasonLoggedOut.
func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	if c.LogoutErr != nil {
		return c.LogoutErr
	}
	if c.closed {
		return ErrClosed
	}
	c.closeLocked(protocol.ReasonLoggedOut)
	return nil
}

// End implements protocol.Client; it closes the stream with ReasonConnectionClosed.
func (c *Client) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended++
	c.closeLocked(protocol.ReasonConnectionClosed)
	return nil
}

// Sent returns the recorded outbound messages.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Resyncs returns how many times Resync was called.
func (c *Client) Resyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

// Logouts returns how many times Logout was called.
func (c *Client) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Ended reports whether End was called.
func (c *Client) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended > 0
}

// Closed reports whether the event stream is closed.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) String() string { return fmt.Sprintf("fake(%s)", c.Session) }
