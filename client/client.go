// Package client provides a reconnecting WebSocket client for the eShare
// chat server. It connects using gobwas/ws (the same library the server
// uses), re-runs the join handshake on every reconnect, and dispatches
// incoming server events to registered subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/eshare/chat-server/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no transport connection exists.
	StateDisconnected State = iota
	// StateConnecting covers dialing and the join handshake.
	StateConnecting
	// StateJoined means the handshake completed: the server has pushed the
	// roster and the client may send messages.
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default reconnect and typing parameters.
const (
	DefaultMinBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff    = 15 * time.Second
	DefaultTypingTimeout = 3 * time.Second
)

// ErrNotConnected is returned by send operations while no live connection
// exists. Callers are expected to retry after the next reconnect.
var ErrNotConnected = errors.New("client: not connected")

// DialFunc opens the transport connection. Overridable for tests.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// Config configures a Client.
type Config struct {
	URL         string
	UserID      string
	DisplayName string
	Contact     string
	Avatar      string // optional; sent with the join handshake

	// MinBackoff and MaxBackoff bound the reconnect delay. The delay doubles
	// after each failed attempt and resets after a completed handshake.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// TypingTimeout is how long after the last StartTyping call the client
	// automatically sends a stop-typing signal.
	TypingTimeout time.Duration

	// Dial overrides the transport dialer. Nil means gobwas/ws.
	Dial DialFunc
}

// Client is a chat connection that survives transport failures. It retries
// indefinitely with bounded backoff and re-runs the join handshake on every
// reconnect, since the server keeps no session state across connections.
type Client struct {
	cfg Config

	mu    sync.Mutex
	conn  net.Conn
	state State

	handlers      map[string]map[int]func(json.RawMessage)
	stateHandlers map[int]func(State)
	nextHandlerID int

	typingMu    sync.Mutex
	typingTimer *time.Timer
	typing      bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a client. The connection is not opened until Start.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		}
	}
	return &Client{
		cfg:           cfg,
		state:         StateDisconnected,
		handlers:      make(map[string]map[int]func(json.RawMessage)),
		stateHandlers: make(map[int]func(State)),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the connect loop. It returns immediately; connection state
// is observable via State and OnStateChange. The loop runs until Close is
// called or the context is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.connectLoop(ctx)
}

// Close tears down the connection and stops reconnecting. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// On subscribes a handler to a server event type and returns an unsubscribe
// function. Multiple handlers may subscribe to the same event; each receives
// the full raw JSON of the frame. Handlers run on the read loop goroutine; a
// panic in one handler is recovered and does not affect the others.
func (c *Client) On(msgType string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[int]func(json.RawMessage))
	}
	c.handlers[msgType][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[msgType], id)
	}
}

// OnStateChange subscribes to lifecycle state transitions and returns an
// unsubscribe function.
func (c *Client) OnStateChange(handler func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.stateHandlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// SendMessage sends a chat message. Returns ErrNotConnected while the
// connection is down; messages are not queued.
func (c *Client) SendMessage(text string) error {
	return c.send(protocol.SendMessageMsg{Type: protocol.TypeSendMessage, Text: text})
}

// LoadOlderMessages requests one page of messages created strictly before
// the cursor timestamp (unix milliseconds). The page arrives as a
// messages:older event.
func (c *Client) LoadOlderMessages(before int64, limit int) error {
	return c.send(protocol.LoadOlderMsg{Type: protocol.TypeLoadOlder, Before: before, Limit: limit})
}

// DeleteHistory asks the server to wipe the whole message history. The
// server enforces the admin policy; non-admins receive an error event.
func (c *Client) DeleteHistory() error {
	return c.send(protocol.DeleteHistoryMsg{Type: protocol.TypeDeleteHistory})
}

// StartTyping signals that the user is typing. Repeated calls while typing
// reset the auto-stop timer rather than stacking signals: only the first
// call sends typing:start, and a single typing:stop follows TypingTimeout
// after the last call.
func (c *Client) StartTyping() error {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.cfg.TypingTimeout, func() {
		_ = c.StopTyping()
	})

	if c.typing {
		return nil
	}
	// Mark as typing only once the signal is actually on the wire, so a send
	// that fails while disconnected does not suppress the retry after the
	// next reconnect.
	if err := c.send(protocol.TypingStartMsg{Type: protocol.TypeTypingStart}); err != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
		return err
	}
	c.typing = true
	return nil
}

// StopTyping sends an explicit stop-typing signal and cancels the auto-stop
// timer. A no-op when the user is not typing.
func (c *Client) StopTyping() error {
	c.typingMu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	wasTyping := c.typing
	c.typing = false
	c.typingMu.Unlock()

	if !wasTyping {
		return nil
	}
	return c.send(protocol.TypingStopMsg{Type: protocol.TypeTypingStop})
}

// Ping sends a keepalive ping; the server answers with a pong event.
func (c *Client) Ping() error {
	return c.send(protocol.PingMsg{Type: protocol.TypePing})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connect loop
// ---------------------------------------------------------------------------

// connectLoop dials, joins, reads until failure, and repeats indefinitely
// with bounded exponential backoff. The backoff resets once a handshake
// completes so a long-stable connection that drops reconnects quickly.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.cfg.Dial(ctx, c.cfg.URL)
		if err != nil {
			log.Printf("[client] dial %s failed: %v (retrying in %s)", c.cfg.URL, err, backoff)
			c.setState(StateDisconnected)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// The server keeps no session state across connections, so the join
		// handshake runs on every connect, not just the first.
		if err := c.sendJoin(); err != nil {
			log.Printf("[client] join failed: %v (retrying in %s)", err, backoff)
			c.dropConn()
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		joined := c.readLoop(conn)
		c.dropConn()

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if joined {
			backoff = c.cfg.MinBackoff
		}
		if !c.sleep(ctx, backoff) {
			return
		}
		if !joined {
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
		}
	}
}

func (c *Client) sendJoin() error {
	return c.send(protocol.JoinMsg{
		Type:        protocol.TypeJoin,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
		Contact:     c.cfg.Contact,
		Avatar:      c.cfg.Avatar,
	})
}

// readLoop reads frames until the connection fails. It reports whether the
// handshake completed on this connection. The roster push is the handshake
// acknowledgement: the first users:list frame flips the state to joined.
func (c *Client) readLoop(conn net.Conn) bool {
	joined := false
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("[client] connection lost: %v", err)
			}
			c.setState(StateDisconnected)
			return joined
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == protocol.TypeUsersList && !joined {
			joined = true
			c.setState(StateJoined)
		}

		c.dispatch(envelope.Type, json.RawMessage(data))
	}
}

// dispatch invokes every subscriber registered for the event type. Each
// handler runs under its own recover so one panicking subscriber cannot
// take down the read loop or starve the others.
func (c *Client) dispatch(msgType string, raw json.RawMessage) {
	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.handlers[msgType]))
	for _, h := range c.handlers[msgType] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[client] handler for %s panicked: %v", msgType, r)
				}
			}()
			h(raw)
		}()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := make([]func(State), 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[client] state handler panicked: %v", r)
				}
			}()
			h(s)
		}()
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// sleep waits for the given duration, returning false if the client was
// closed or the context cancelled first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
