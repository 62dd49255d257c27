// Package transport carries detection requests to the remote service and
// delivers exactly one Result per request.
package transport

import (
	"context"
	"time"
)

// DefaultLifetime bounds a request when the caller leaves Lifetime unset.
const DefaultLifetime = 2 * time.Second

// Request is one detection query.
type Request struct {
	Name        string
	Target      string
	SessionID   string
	Lifetime    time.Duration
	MustBeFresh bool
}

// Result is the terminal outcome of a Request. Exactly one of Payload,
// TimedOut or Err is meaningful.
type Result struct {
	Payload   string
	TimedOut  bool
	Err       error
	RoundTrip time.Duration
}

// Channel sends a request and blocks until its outcome is known, the
// lifetime elapses, or ctx is done.
type Channel interface {
	Express(ctx context.Context, req Request) Result
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, req Request) Result

// Express calls f.
func (f ChannelFunc) Express(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// RequestFrame is the JSON text frame sent to the service.
type RequestFrame struct {
	Name        string `json:"name"`
	Target      string `json:"target"`
	SessionID   string `json:"session_id"`
	LifetimeMS  int64  `json:"lifetime_ms"`
	MustBeFresh bool   `json:"must_be_fresh"`
}

// ResponseFrame is the JSON text frame the service answers with. Payload
// holds the line-delimited detection records.
type ResponseFrame struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

// NewRequestFrame converts req to its wire form.
func NewRequestFrame(req Request) RequestFrame {
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return RequestFrame{
		Name:        req.Name,
		Target:      req.Target,
		SessionID:   req.SessionID,
		LifetimeMS:  lifetime.Milliseconds(),
		MustBeFresh: req.MustBeFresh,
	}
}
