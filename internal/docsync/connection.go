package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

type ConnectionOptions struct {
	// URL is the sync endpoint, e.g. wss://api.example.com/ws.
	URL         string
	DocumentID  string
	Credentials CredentialSupplier
	HTTPClient  *http.Client

	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64

	Logger  logging.Logger
	Metrics *Metrics

	OnStateChange func(ConnectionState)
	// OnError receives every handshake or read failure. initial is true only
	// for a failure before the connection was ever open; such errors are
	// *FatalConnectError.
	OnError func(err error, initial bool)
}

// Connection owns one persistent WebSocket to the sync endpoint and
// reconnects it at a fixed interval until Close.
type Connection struct {
	opts   ConnectionOptions
	logger logging.Logger

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	handlers []func(Message)
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewConnection(opts ConnectionOptions) (*Connection, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	logger := logging.OrNop(opts.Logger).With("documentId", opts.DocumentID)
	return &Connection{
		opts:   opts,
		logger: logger,
		state:  ConnectionClosed,
		done:   make(chan struct{}),
	}, nil
}

// Subscribe registers a handler for inbound frames. Handlers run on the read
// goroutine, in arrival order; keepalive and malformed frames never reach
// them.
func (c *Connection) Subscribe(handler func(Message)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop in the background. It is a no-op after
// the first call.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
}

// Send writes msg if the connection is open. Nothing is queued: a frame sent
// while the connection is down is dropped and false is returned.
func (c *Connection) Send(ctx context.Context, msg Message) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != ConnectionOpen || conn == nil {
		c.opts.Metrics.dropSend()
		c.logger.Debug(ctx, "connection not open; update dropped", "state", state.String())
		return false
	}
	data, err := EncodeFrame(msg)
	if err != nil {
		c.logger.Warn(ctx, "encode frame failed", "error", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.opts.Metrics.dropSend()
		c.logger.Warn(ctx, "send failed", "error", err)
		return false
	}
	return true
}

// Close tears the connection down and waits for the loop to exit.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "editor closed")
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
	}
	c.setState(ConnectionClosed)
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	everOpened := false
	for attempt := 0; ; attempt++ {
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			c.setState(ConnectionReconnecting)
			if err := waitWithContext(ctx, c.opts.ReconnectInterval); err != nil {
				return
			}
			if c.isClosed() {
				return
			}
		} else {
			c.setState(ConnectionConnecting)
		}

		c.opts.Metrics.connectAttempt()
		conn, err := c.dial(ctx)
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			if !everOpened && attempt == 0 {
				c.reportError(ctx, &FatalConnectError{Err: err}, true)
			} else {
				c.reportError(ctx, err, false)
			}
			continue
		}
		conn.SetReadLimit(c.opts.ReadLimit)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "editor closed")
			return
		}
		c.conn = conn
		c.mu.Unlock()
		everOpened = true
		c.setState(ConnectionOpen)
		c.logger.Info(ctx, "connection open", "attempt", attempt+1)

		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "")
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		c.reportError(ctx, readErr, false)
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.resolveURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// resolveURL asks for a credential on every attempt so a reconnect never
// reuses a token the supplier has since renewed.
func (c *Connection) resolveURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("documentId", c.opts.DocumentID)
	if c.opts.Credentials != nil {
		cred, err := c.opts.Credentials.Credential(ctx)
		switch {
		case err == nil && cred.Token != "":
			q.Set("token", cred.Token)
		case err != nil && !errors.Is(err, ErrNoSession):
			c.logger.Warn(ctx, "credential unavailable; connecting without token", "error", err)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.opts.Metrics.dropFrame("binary")
			c.logger.Warn(ctx, "binary frame dropped", "bytes", len(data))
			continue
		}
		msg, err := DecodeFrame(data)
		if err != nil {
			c.opts.Metrics.dropFrame("malformed")
			c.logger.Warn(ctx, "malformed frame dropped", "error", err)
			continue
		}
		if msg.Type == MessageTypePing {
			c.opts.Metrics.dropFrame("ping")
			continue
		}
		c.mu.Lock()
		handlers := append([]func(Message){}, c.handlers...)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(msg)
		}
	}
}

func (c *Connection) reportError(ctx context.Context, err error, initial bool) {
	if err == nil {
		return
	}
	if initial {
		c.logger.Error(ctx, "initial connection failed", "error", err)
	} else {
		c.logger.Warn(ctx, "connection lost; reconnecting", "error", err, "interval", c.opts.ReconnectInterval)
	}
	if c.opts.OnError != nil {
		c.opts.OnError(err, initial)
	}
}

func (c *Connection) setState(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	if c.closed && next != ConnectionClosed {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.opts.Metrics.setConnectionState(next)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
