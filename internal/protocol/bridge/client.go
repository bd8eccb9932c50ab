package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/waconnect/internal/authstate"
	"github.com/and161185/waconnect/internal/errs"
	"github.com/and161185/waconnect/internal/protocol"
)

// Config configures the bridge connection.
type Config struct {
	URL              string
	Token            string // sent as a bearer token on the upgrade request
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration // must exceed PingInterval
	KeyWriteTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= c.PingInterval {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.KeyWriteTimeout <= 0 {
		c.KeyWriteTimeout = 10 * time.Second
	}
	return c
}

// Dialer opens bridge connections.
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
	log *zap.Logger
}

var _ protocol.Dialer = (*Dialer)(nil)

// NewDialer constructs a Dialer.
func NewDialer(cfg Config, log *zap.Logger) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		ws:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log: log,
	}
}

// Dial connects to the bridge and sends hello with the session credentials.
func (d *Dialer) Dial(ctx context.Context, session string, creds authstate.Credentials, keys protocol.KeyStore) (protocol.Client, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	conn, resp, err := d.ws.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bridge dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		keys:    keys,
		cfg:     d.cfg,
		log:     d.log.With(zap.String("session", session)),
		events:  make(chan protocol.Event, 64),
		pending: map[uint64]chan Frame{},
		done:    make(chan struct{}),
	}
	if err := c.write(Frame{Type: TypeHello, Session: session, Creds: &creds}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bridge hello: %w", err)
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Client is a live bridge connection.
type Client struct {
	conn   *websocket.Conn
	keys   protocol.KeyStore
	cfg    Config
	log    *zap.Logger
	events chan protocol.Event

	wmu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	ending  bool

	finishOnce sync.Once
	done       chan struct{}
}

var _ protocol.Client = (*Client)(nil)

// Events implements protocol.Client.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Resync implements protocol.Client.
func (c *Client) Resync(ctx context.Context) error {
	_, err := c.request(ctx, Frame{Type: TypeResync})
	return err
}

// SendText implements protocol.Client.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	_, err := c.request(ctx, Frame{Type: TypeSend, To: to, Text: text})
	return err
}

// Logout implements protocol.Client. The bridge answers and then closes with reason 401.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.request(ctx, Frame{Type: TypeLogout})
	return err
}

// End implements protocol.Client.
func (c *Client) End() error {
	c.mu.Lock()
	c.ending = true
	c.mu.Unlock()

	_ = c.write(Frame{Type: TypeEnd})
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end"),
		time.Now().Add(c.cfg.WriteTimeout))
	c.wmu.Unlock()
	// readLoop observes the closed socket and emits EventClosed.
	_ = c.conn.Close()
	return nil
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Frame{}, errs.ErrSessionClosed
	default:
	}
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return Frame{}, err
	}
	select {
	case res := <-ch:
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, nil
	case <-c.done:
		return Frame{}, errs.ErrSessionClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			ending := c.ending
			c.mu.Unlock()
			if ending {
				c.finish(protocol.ReasonConnectionClosed, "ended")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("bridge read", zap.Error(err))
			}
			c.finish(protocol.ReasonConnectionLost, err.Error())
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("bridge frame", zap.Error(err))
			continue
		}
		if stop := c.dispatch(f); stop {
			_ = c.conn.Close()
			return
		}
	}
}

// dispatch handles one inbound frame; it reports true after a close frame.
func (c *Client) dispatch(f Frame) bool {
	switch f.Type {
	case TypeQR:
		c.emit(protocol.Event{Kind: protocol.EventQR, QR: f.QR})
	case TypeOpen:
		c.emit(protocol.Event{Kind: protocol.EventOpen, Me: f.Me})
	case TypeCredsUpdate:
		if f.Creds != nil {
			c.emit(protocol.Event{Kind: protocol.EventCredsUpdate, Creds: f.Creds})
		}
	case TypeContacts:
		c.emit(protocol.Event{Kind: protocol.EventContacts, Contacts: toContacts(f.Contacts)})
	case TypeChats:
		c.emit(protocol.Event{Kind: protocol.EventChats, Chats: toChats(f.Chats)})
	case TypeKeysGet:
		_ = c.write(Frame{Type: TypeKeysResult, ID: f.ID, Keys: c.keys.GetKeys(f.KeyType, f.IDs)})
	case TypeKeysSet:
		// Handled inline so key writes are durable before any later event is read.
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeyWriteTimeout)
		err := c.keys.SetKeys(ctx, f.Data)
		cancel()
		ack := Frame{Type: TypeAck, ID: f.ID}
		if err != nil {
			ack.Error = err.Error()
		}
		_ = c.write(ack)
	case TypeResult:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
	case TypeClose:
		c.finish(protocol.DisconnectReason(f.Reason), f.Message)
		return true
	default:
		c.log.Debug("bridge frame ignored", zap.String("type", f.Type))
	}
	return false
}

func (c *Client) emit(ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// finish emits the single EventClosed and releases waiters.
func (c *Client) finish(reason protocol.DisconnectReason, msg string) {
	c.finishOnce.Do(func() {
		c.events <- protocol.Event{Kind: protocol.EventClosed, Reason: reason, Message: msg}
		close(c.events)
		close(c.done)
	})
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
