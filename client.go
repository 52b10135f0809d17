package patchbay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// routeVerify is the secret route used for the identity handshake. The
// verification exchange rides the same envelope machinery as every other
// request, it is just never reachable by ordinary peers.
const routeVerify = "verify"

// A Client is an endpoint that connects outward to the relay, verifies its
// identity, and then exchanges requests with the other connected endpoints.
//
// Construct a client with NewClient and call Start with a dialer to run its
// connection state machine. Once the client is ready (WaitReady), use Request
// to invoke routes on other endpoints, including the relay itself under
// RelayID. Route and listener registration are safe at any time, before or
// after Start.
type Client struct {
	endpoint

	noReconnect bool
	closing     atomic.Bool

	out struct {
		// Must hold the lock to send on or replace t.
		sync.Mutex
		t Transport
	}

	readyμ sync.Mutex
	ready  bool
	readyc chan struct{}
}

// NewClient constructs an unstarted client claiming the given identifier.
// An empty identifier asks the relay to assign one at handshake. A nil opts
// is ready for use and selects the documented defaults.
func NewClient(id Identifier, opts *Options) *Client {
	c := new(Client)
	c.init(id, opts)
	c.noReconnect = opts != nil && opts.NoReconnect
	c.deliver = c.deliverFrame
	c.readyc = make(chan struct{})

	// The relay maintains each client's roster by invoking these secret
	// routes with the affected peer's identifier. They update the conn table
	// and re-dispatch the public lifecycle events to user listeners.
	c.HandleSecret(EventConnect, func(_ context.Context, req *Request) (any, error) {
		id := Identifier(req.StringArg(0))
		if id == "" {
			return nil, errors.New("missing peer identifier")
		}
		if id != c.ID() {
			c.addConn(id, nil)
			c.dispatch(EventConnect, id)
		}
		return nil, nil
	})
	c.HandleSecret(EventDisconnect, func(_ context.Context, req *Request) (any, error) {
		id := Identifier(req.StringArg(0))
		if id == "" {
			return nil, errors.New("missing peer identifier")
		}
		if c.dropConn(id, CloseGoingAway, "peer disconnected") != nil {
			c.dispatch(EventDisconnect, id)
		}
		return nil, nil
	})
	return c
}

// Start runs the client's connection state machine: dial, verify, serve
// inbound frames, and (unless reconnection is disabled) redial after a fixed
// backoff when the transport fails. Start blocks until Close is called, ctx
// ends, verification is rejected, or (with reconnection disabled) the
// transport fails.
//
// Start returns nil after a local Close. A rejected identity claim is
// reported as a *VerifyError and is terminal: the same identifier is not
// retried.
func (c *Client) Start(ctx context.Context, dial Dialer) (err error) {
	defer func() {
		// Close runs on every exit path. After a local Close this is a no-op.
		if err != nil {
			c.Close(CloseInternalError, err.Error())
		} else {
			c.Close(CloseNormal, "")
		}
	}()

	for {
		if c.closing.Load() {
			return nil
		}
		t, derr := dial(ctx)
		if derr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			} else if c.noReconnect {
				return fmt.Errorf("connect: %w", derr)
			}
			c.log.Warn("connect failed; retrying",
				zap.Error(derr), zap.Duration("backoff", c.backoff))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		serr := c.session(ctx, t)
		if c.closing.Load() {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		var verr *VerifyError
		if errors.As(serr, &verr) {
			return serr
		} else if c.noReconnect {
			if isClosedError(serr) {
				return nil
			}
			return serr
		}
		c.log.Warn("disconnected; reconnecting",
			zap.Error(serr), zap.Duration("backoff", c.backoff))
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// sleep waits out the reconnect backoff and reports whether ctx survived it.
func (c *Client) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// session runs one connection's lifetime: verify identity, populate the
// roster, mark ready, and serve inbound frames until the transport fails.
func (c *Client) session(ctx context.Context, t Transport) error {
	c.setTransport(t)
	defer c.setTransport(nil)

	id, roster, err := c.verify(ctx, t)
	if err != nil {
		t.Close(CloseInternalError, "verification failed")
		return err
	}
	c.setID(id)
	for _, pid := range roster {
		if pid != id {
			c.addConn(pid, nil)
		}
	}

	g := taskgroup.New(nil)
	c.setGroup(g)
	c.setReady(true)
	c.dispatch(EventReady)
	c.log.Info("client ready", zap.String("id", string(id)))

	rerr := func() error {
		for {
			frame, err := t.Recv()
			if err != nil {
				return err
			}
			c.metrics.frameRecv.Add(1)
			c.handleFrame(ctx, frame)
		}
	}()

	c.setReady(false)
	c.setGroup(nil)
	c.closeConns(CloseGoingAway, "disconnected")
	g.Wait()
	if !c.closing.Load() {
		// Losing the relay transport severs every peer at once; report the
		// client's own identifier so listeners always receive one argument.
		c.dispatch(EventDisconnect, c.ID())
	}
	return rerr
}

// verify claims the client's identifier with the relay and returns the
// verified identifier plus the current roster. The relay rejects collisions
// with an error response, surfaced here as a *VerifyError.
func (c *Client) verify(ctx context.Context, t Transport) (Identifier, []Identifier, error) {
	req := &Envelope{
		Kind:    KindRequest,
		Source:  c.ID(),
		Target:  RelayID,
		Secret:  true,
		Session: newSession(c.ID()),
		Route:   routeVerify,
		Args:    []any{string(c.ID())},
	}
	frame, err := c.codec.Encode(req)
	if err != nil {
		return "", nil, fmt.Errorf("encode verify request: %w", err)
	}
	if err := t.Send(frame); err != nil {
		return "", nil, fmt.Errorf("verify: %w", err)
	}

	type received struct {
		env *Envelope
		err error
	}
	ch := make(chan received, 1)
	taskgroup.Go(func() error {
		raw, err := t.Recv()
		if err != nil {
			ch <- received{nil, err}
			return nil
		}
		env, err := c.codec.Decode(raw)
		ch <- received{env, err}
		return nil
	})

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", nil, fmt.Errorf("verify: %w", r.err)
		}
		return parseVerifyResponse(r.env)
	case <-timeout.C:
		t.Close(CloseInternalError, "verification timeout")
		return "", nil, fmt.Errorf("verify: %w", ErrRequestTimeout)
	case <-ctx.Done():
		t.Close(CloseGoingAway, "context ended")
		return "", nil, ctx.Err()
	}
}

func parseVerifyResponse(env *Envelope) (Identifier, []Identifier, error) {
	if env.Kind != KindResponse || env.Route != routeVerify {
		return "", nil, fmt.Errorf("verify: unexpected frame %v", env)
	}
	if env.Status != StatusOK {
		reason := "identifier rejected"
		if env.Err != nil {
			reason = env.Err.Message
		}
		return "", nil, &VerifyError{Reason: reason}
	}

	m, ok := env.Result.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("verify: malformed result %T", env.Result)
	}
	id, _ := m["id"].(string)
	if id == "" {
		return "", nil, errors.New("verify: missing assigned identifier")
	}
	var roster []Identifier
	switch rs := m["roster"].(type) {
	case []any:
		for _, v := range rs {
			if s, ok := v.(string); ok {
				roster = append(roster, Identifier(s))
			}
		}
	case []string:
		for _, s := range rs {
			roster = append(roster, Identifier(s))
		}
	}
	return Identifier(id), roster, nil
}

// Request invokes the named route on the target endpoint. The target must be
// present in the client's roster; the relay itself is addressable as RelayID.
// Self-addressed requests are rejected.
func (c *Client) Request(ctx context.Context, target Identifier, route string, args ...any) (any, error) {
	return c.RequestKW(ctx, target, route, args, nil)
}

// RequestKW is Request with both positional and keyword arguments.
func (c *Client) RequestKW(ctx context.Context, target Identifier, route string, args []any, kwargs map[string]any) (any, error) {
	if target == c.ID() {
		return nil, fmt.Errorf("cannot request self (%s)", target)
	}
	conn := c.Conn(target)
	if conn == nil {
		return nil, &TargetNotFoundError{Target: target}
	}
	return conn.RequestKW(ctx, route, args, kwargs)
}

// Close disconnects the client, suppressing reconnection, and poisons every
// pending request. It is idempotent; the code and reason are handed to the
// transport on the first call.
func (c *Client) Close(code int, reason string) error {
	first := c.closing.CompareAndSwap(false, true)
	if t := c.transport(); t != nil && first {
		t.Close(code, reason)
	}
	c.shutdown(code, reason)
	return nil
}

// WaitReady blocks until the client has completed verification and entered
// its frame loop, or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	c.readyμ.Lock()
	ch := c.readyc
	c.readyμ.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the client is currently connected and verified.
func (c *Client) IsReady() bool {
	c.readyμ.Lock()
	defer c.readyμ.Unlock()
	return c.ready
}

func (c *Client) setReady(ok bool) {
	c.readyμ.Lock()
	defer c.readyμ.Unlock()
	if ok && !c.ready {
		close(c.readyc)
	} else if !ok && c.ready {
		c.readyc = make(chan struct{})
	}
	c.ready = ok
}

func (c *Client) setTransport(t Transport) {
	c.out.Lock()
	defer c.out.Unlock()
	c.out.t = t
}

func (c *Client) transport() Transport {
	c.out.Lock()
	defer c.out.Unlock()
	return c.out.t
}

// deliverFrame sends an encoded frame over the relay transport. All of a
// client's peers are reached through the same physical connection; target is
// already recorded inside the frame.
func (c *Client) deliverFrame(_ Identifier, frame []byte) error {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.t == nil {
		return ErrTransportClosed
	}
	return c.out.t.Send(frame)
}
