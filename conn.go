package patchbay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// A Conn is an endpoint's view of one remote peer. It owns the table of
// outstanding requests toward that peer, keyed by session. On the relay, a
// Conn additionally owns the accepted transport for the peer; on a client,
// conns to other clients are virtual and share the client's single transport
// to the relay.
type Conn struct {
	id Identifier
	ep *endpoint

	transport Transport // owned socket, nil for virtual conns

	μ       sync.Mutex
	pending map[Session]waitCell
	closed  bool
}

// A waitCell is a single-slot synchronization cell: resolved at most once by
// the frame loop with the response envelope, or poisoned (closed empty) when
// the conn shuts down. The capacity-1 buffer lets the resolver never block.
type waitCell chan *Envelope

func newConn(id Identifier, ep *endpoint, t Transport) *Conn {
	return &Conn{id: id, ep: ep, transport: t, pending: make(map[Session]waitCell)}
}

// ID returns the identifier of the remote peer this conn represents.
func (c *Conn) ID() Identifier { return c.id }

// PendingCount reports the number of requests awaiting a response on c.
func (c *Conn) PendingCount() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.pending)
}

// Request invokes the named route on the remote peer with the given
// positional arguments, blocking until the response arrives, the endpoint's
// timeout elapses, or ctx ends.
//
// On success it returns the remote result value. Failures are reported as
// *RouteNotFoundError (route unregistered at the callee), *RemoteError (the
// callee's handler failed), ErrRequestTimeout, or ErrConnectionClosed.
func (c *Conn) Request(ctx context.Context, route string, args ...any) (any, error) {
	return c.request(ctx, route, args, nil, false)
}

// RequestKW is Request with both positional and keyword arguments.
func (c *Conn) RequestKW(ctx context.Context, route string, args []any, kwargs map[string]any) (any, error) {
	return c.request(ctx, route, args, kwargs, false)
}

func (c *Conn) request(ctx context.Context, route string, args []any, kwargs map[string]any, secret bool) (any, error) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil, ErrConnectionClosed
	}
	session := newSession(c.ep.id)
	cell := make(waitCell, 1)
	c.pending[session] = cell
	c.μ.Unlock()

	c.ep.metrics.requestOut.Add(1)
	c.ep.metrics.requestPend.Add(1)
	defer c.ep.metrics.requestPend.Add(-1)

	err := c.ep.sendEnvelope(&Envelope{
		Kind:    KindRequest,
		Source:  c.ep.id,
		Target:  c.id,
		Secret:  secret,
		Session: session,
		Route:   route,
		Args:    args,
		Kwargs:  kwargs,
	})
	if err != nil {
		c.discard(session)
		return nil, fmt.Errorf("send request: %w", err)
	}

	timeout := time.NewTimer(c.ep.timeout)
	defer timeout.Stop()

	select {
	case rsp, ok := <-cell:
		if !ok {
			// Poisoned: the conn closed while we were waiting.
			return nil, ErrConnectionClosed
		}
		return reviewResponse(route, rsp)

	case <-timeout.C:
		c.discard(session)
		c.ep.log.Warn("request timed out",
			zap.String("target", string(c.id)), zap.String("route", route),
			zap.String("session", string(session)))
		return nil, ErrRequestTimeout

	case <-ctx.Done():
		c.discard(session)
		return nil, ctx.Err()
	}
}

// reviewResponse converts a response envelope into the caller's return value.
func reviewResponse(route string, rsp *Envelope) (any, error) {
	switch rsp.Status {
	case StatusOK:
		return rsp.Result, nil
	case StatusError:
		info := rsp.Err
		if info == nil {
			info = &ErrorInfo{Kind: errKindHandlerError, Message: "unspecified remote error"}
		}
		if info.Kind == errKindRouteNotFound {
			return nil, &RouteNotFoundError{Route: route}
		}
		return nil, &RemoteError{Kind: info.Kind, Message: info.Message}
	default:
		return nil, fmt.Errorf("invalid response status %q", rsp.Status)
	}
}

// resolve delivers rsp to the wait cell registered under its session and
// reports whether such a cell existed. The cell is removed before delivery,
// so a session resolves at most once; a duplicate response finds no cell and
// is reported as unresolved for the caller to log.
func (c *Conn) resolve(rsp *Envelope) bool {
	c.μ.Lock()
	cell, ok := c.pending[rsp.Session]
	if ok {
		delete(c.pending, rsp.Session)
	}
	c.μ.Unlock()
	if !ok {
		return false
	}
	cell <- rsp
	close(cell)
	return true
}

// discard abandons the wait cell for session, if still registered.
func (c *Conn) discard(session Session) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.pending, session)
}

// close poisons every still-pending wait cell, unblocking their callers with
// ErrConnectionClosed, then releases the owned transport if any. It is
// idempotent and returns synchronously: no caller is left waiting past it.
func (c *Conn) close(code int, reason string) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return
	}
	c.closed = true
	cells := c.pending
	c.pending = make(map[Session]waitCell)
	c.μ.Unlock()

	for _, cell := range cells {
		close(cell)
	}
	if c.transport != nil {
		c.transport.Close(code, reason)
	}
}

// String returns a human-friendly rendering of the conn.
func (c *Conn) String() string { return fmt.Sprintf("Conn(id=%s)", c.id) }
