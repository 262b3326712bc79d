// Package signaling maintains the persistent websocket channel to the call
// server. One Client is owned by the application composition root; the call
// layer talks to it through Send/On/Off only.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/proto"
)

// ErrNotConnected is returned by Send when no live socket exists. The send is
// dropped; delivery is at-least-effort, never guaranteed.
var ErrNotConnected = errors.New("signaling: not connected")

// ErrAuthRejected terminates the dial loop; a bad credential is not retried.
var ErrAuthRejected = errors.New("signaling: credential rejected")

const (
	writeTimeout     = 10 * time.Second
	maxDialInterval  = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Handler receives the raw JSON payload of one event.
type Handler = func(data json.RawMessage)

// Client is a reconnecting websocket signaling channel. Handlers are
// dispatched sequentially from a single read goroutine per connection.
type Client struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	token     string
	connected bool
	closed    bool
	handlers  map[string]map[int]Handler
	nextID    int
	stateSubs []func(connected bool)

	writeMu sync.Mutex

	cancel context.CancelFunc
}

// NewClient creates a client for the given websocket URL. Connect must be
// called before the channel is usable.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		logger: logger.Named("signaling"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		handlers: make(map[string]map[int]Handler),
	}
}

// Connect opens the channel with the given bearer credential and keeps it
// open until Close. Idempotent: a second call while a session is live is a
// no-op. Transient dial errors are retried with exponential backoff; an auth
// rejection stops the loop for good.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signaling: client closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	if token == "" {
		c.mu.Unlock()
		return errors.New("signaling: missing credential")
	}
	c.token = token
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// run dials, reads until the connection drops, and redials with the same
// credential. Explicit Close (or ctx cancellation) stops the loop.
func (c *Client) run(ctx context.Context) {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.logger.Error("Signaling credential rejected, giving up", zap.Error(err))
			}
			return
		}

		c.setConn(conn)
		c.notifyState(true)
		c.logger.Info("Signaling channel connected", zap.String("url", c.url))

		c.readLoop(ctx, conn)

		c.setConn(nil)
		c.notifyState(false)

		select {
		case <-ctx.Done():
			return
		default:
		}
		c.logger.Warn("Signaling channel lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ebo := backoff.NewExponentialBackOff()
	ebo.MaxInterval = maxDialInterval
	ebo.MaxElapsedTime = 0 // retry until ctx is done

	var conn *websocket.Conn
	op := func() error {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode))
			}
			c.logger.Debug("Signaling dial failed", zap.Error(err))
			return err
		}
		conn = ws
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.logger.Debug("Signaling read error", zap.Error(err))
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("Dropping malformed signaling frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env proto.Envelope) {
	c.mu.RLock()
	regs := c.handlers[env.Event]
	handlers := make([]Handler, 0, len(regs))
	for _, h := range regs {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

// Send marshals payload and writes it as one envelope. Fire-and-forget: when
// no connection is live the message is dropped and logged.
func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(proto.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		c.logger.Warn("Dropping outbound event, channel not connected", zap.String("event", event))
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("signaling: write %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an event name and returns a registration id for
// Off. Multiple handlers per event are permitted.
func (c *Client) On(event string, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.nextID++
	c.handlers[event][c.nextID] = h
	return c.nextID
}

// Off removes one handler registration. Unknown ids are ignored.
func (c *Client) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if regs := c.handlers[event]; regs != nil {
		delete(regs, id)
		if len(regs) == 0 {
			delete(c.handlers, event)
		}
	}
}

// OnConnectionStateChange registers a callback fired with true/false when the
// channel connects or drops.
func (c *Client) OnConnectionStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.mu.Unlock()
}

// IsConnected reports whether a live socket exists right now.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the channel down for good: the socket is closed, all handlers
// are cleared and no reconnection is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.handlers = make(map[string]map[int]Handler)
	c.stateSubs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = conn != nil
	c.mu.Unlock()
}

func (c *Client) notifyState(connected bool) {
	c.mu.RLock()
	subs := make([]func(bool), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(connected)
	}
}
