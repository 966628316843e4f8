package realtime

import (
	"context"
	"net/http"
	"sync"
)

// Handshake carries the pending connection through the admission chain.
// Middlewares may attach values for later middlewares to read.
type Handshake struct {
	Conn      *Connection
	Namespace *Namespace
	Request   *http.Request

	mu     sync.Mutex
	values map[string]any
}

// Set stores a value on the handshake.
func (h *Handshake) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.values == nil {
		h.values = make(map[string]any)
	}
	h.values[key] = value
}

// Get reads a value stored by an earlier middleware.
func (h *Handshake) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.values[key]
	return value, ok
}

// Middleware is one admission check. It must call next to continue the
// chain; returning without calling next, or returning an error, halts
// admission and the connection is rejected.
type Middleware func(ctx context.Context, hs *Handshake, next func() error) error

// runChain executes middlewares strictly in registration order, each exactly
// once. A middleware only starts after the previous one called next, so
// later middlewares may rely on earlier ones having completed.
func runChain(ctx context.Context, hs *Handshake, chain []Middleware) error {
	completed := false

	var run func(i int) error
	run = func(i int) error {
		if i == len(chain) {
			completed = true
			return nil
		}
		called := false
		next := func() error {
			if called {
				return nil
			}
			called = true
			return run(i + 1)
		}
		return chain[i](ctx, hs, next)
	}

	if err := run(0); err != nil {
		return &AdmissionError{Reason: "handshake middleware failed", Cause: err}
	}
	if !completed {
		return &AdmissionError{Reason: "handshake chain halted"}
	}
	return nil
}

// IdentityResolver validates a credential token and returns the user
// identity it belongs to, or empty for an anonymous connection. Token
// validation itself is an external collaborator.
type IdentityResolver func(ctx context.Context, token string) (string, error)

// Authenticate returns a middleware that resolves the "token" query
// parameter into a user identity on the connection. A missing token admits
// the connection anonymously; a resolver error rejects it.
func Authenticate(resolve IdentityResolver) Middleware {
	return func(ctx context.Context, hs *Handshake, next func() error) error {
		token := ""
		if hs.Request != nil {
			token = hs.Request.URL.Query().Get("token")
		}
		if token == "" {
			return next()
		}

		identity, err := resolve(ctx, token)
		if err != nil {
			return err
		}
		if identity != "" {
			hs.Conn.setUserID(identity)
		}
		return next()
	}
}
