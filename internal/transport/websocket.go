package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned for requests issued after Close.
var ErrClosed = errors.New("transport: channel closed")

// WSOptions tunes a WSChannel. Zero values take defaults.
type WSOptions struct {
	HandshakeTimeout time.Duration
	DialAttempts     int
	RetryDelay       time.Duration
}

// WSChannel speaks the request/response frame protocol over one websocket
// connection, reconnecting on demand.
type WSChannel struct {
	url    string
	dialer websocket.Dialer
	opts   WSOptions

	exchange sync.Mutex // one request on the wire at a time

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSChannel validates serviceURL. The connection is dialed lazily by the
// first Express.
func NewWSChannel(serviceURL string, opts WSOptions) (*WSChannel, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", serviceURL)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	return &WSChannel{
		url:    u.String(),
		dialer: websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		opts:   opts,
	}, nil
}

// Express writes one request frame and waits for the response frame with a
// matching session id. Frames for other session ids are late answers to
// earlier requests and are dropped.
func (c *WSChannel) Express(ctx context.Context, req Request) Result {
	c.exchange.Lock()
	defer c.exchange.Unlock()

	start := time.Now()
	frame := NewRequestFrame(req)
	deadline := start.Add(time.Duration(frame.LifetimeMS) * time.Millisecond)

	conn, err := c.ensureConnected(ctx, deadline)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{TimedOut: true, RoundTrip: time.Since(start)}
		}
		return Result{Err: err, RoundTrip: time.Since(start)}
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal request: %w", err)}
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.drop(conn)
		return Result{Err: fmt.Errorf("write request: %w", err), RoundTrip: time.Since(start)}
	}

	_ = conn.SetReadDeadline(deadline)
	stopAfter := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopAfter()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// A failed read leaves the connection unusable.
			c.drop(conn)
			if ctx.Err() != nil {
				return Result{Err: ctx.Err(), RoundTrip: time.Since(start)}
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Result{TimedOut: true, RoundTrip: time.Since(start)}
			}
			return Result{Err: fmt.Errorf("read response: %w", err), RoundTrip: time.Since(start)}
		}

		var resp ResponseFrame
		if err := json.Unmarshal(message, &resp); err != nil {
			log.Printf("transport: dropping undecodable frame: %v", err)
			continue
		}
		if resp.SessionID != req.SessionID {
			log.Printf("transport: dropping stale response for session %s", resp.SessionID)
			continue
		}
		return Result{Payload: resp.Payload, RoundTrip: time.Since(start)}
	}
}

// Close shuts the connection down. In-flight reads fail promptly.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *WSChannel) ensureConnected(ctx context.Context, deadline time.Time) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.opts.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-dialCtx.Done():
				return nil, fmt.Errorf("dial %s: %w", c.url, dialCtx.Err())
			case <-time.After(c.opts.RetryDelay):
			}
		}
		conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return nil, ErrClosed
			}
			c.conn = conn
			c.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", c.url, dialCtx.Err())
		}
		log.Printf("transport: dial %s failed (attempt %d/%d): %v", c.url, attempt+1, c.opts.DialAttempts, err)
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", c.url, c.opts.DialAttempts, lastErr)
}

func (c *WSChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}
