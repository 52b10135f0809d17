package patchbay

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// DefaultTimeout is the request deadline used when Options.Timeout is zero.
const DefaultTimeout = 8 * time.Second

// DefaultBackoff is the delay between reconnection attempts used when
// Options.Backoff is zero.
const DefaultBackoff = 3 * time.Second

// Options configure a Client or Server. A nil *Options is ready for use and
// provides the defaults described on each field.
type Options struct {
	// Codec translates envelopes to and from wire frames.
	// If nil, JSONCodec is used.
	Codec Codec

	// Logger receives endpoint activity. If nil, logging is disabled.
	Logger *zap.Logger

	// Timeout bounds how long a request waits for its response.
	// If zero, DefaultTimeout is used.
	Timeout time.Duration

	// NoReconnect disables the client's reconnection loop: the first
	// transport failure terminates Start instead of redialing.
	// It has no effect on servers.
	NoReconnect bool

	// Backoff is the fixed delay between reconnection attempts.
	// If zero, DefaultBackoff is used. It has no effect on servers.
	Backoff time.Duration
}

// A Result is one peer's outcome from a RequestAll fan-out.
type Result struct {
	Value any   // the result value, when Err == nil
	Err   error // the per-peer failure, if any
}

// endpoint is the state shared by the client and server roles: the dispatcher,
// the conn table, frame handling, and request correlation.
type endpoint struct {
	dispatcher

	id      Identifier
	codec   Codec
	log     *zap.Logger
	timeout time.Duration
	backoff time.Duration
	metrics *endpointMetrics

	// deliver hands an encoded frame to the transport that reaches target.
	// The client delivers everything over its single relay transport; the
	// server delivers over the accepted transport owned by the target's conn.
	deliver func(target Identifier, frame []byte) error

	μ      sync.Mutex
	conns  map[Identifier]*Conn
	tasks  *taskgroup.Group
	closed bool
}

func (e *endpoint) init(id Identifier, opts *Options) {
	if opts == nil {
		opts = new(Options)
	}
	e.id = id
	e.codec = opts.Codec
	if e.codec == nil {
		e.codec = JSONCodec{}
	}
	e.log = opts.Logger
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.timeout = opts.Timeout
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	e.backoff = opts.Backoff
	if e.backoff <= 0 {
		e.backoff = DefaultBackoff
	}
	e.metrics = newEndpointMetrics()
	e.conns = make(map[Identifier]*Conn)
	e.initDispatcher(e.log)
}

// ID returns the endpoint's own identifier. For a client this is the verified
// identifier once Start has reached the ready state; for a server it is
// RelayID.
func (e *endpoint) ID() Identifier {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.id
}

func (e *endpoint) setID(id Identifier) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.id = id
}

// Metrics returns the endpoint's metrics map. It is safe for the caller to
// add additional entries while the endpoint is active.
func (e *endpoint) Metrics() *expvar.Map { return e.metrics.emap }

// Conn returns the conn for the named peer, or nil if the peer is unknown.
func (e *endpoint) Conn(id Identifier) *Conn {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.conns[id]
}

// Peers returns the identifiers of all currently known peers, sorted.
func (e *endpoint) Peers() []Identifier {
	e.μ.Lock()
	ids := make([]Identifier, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	e.μ.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *endpoint) snapshotConns() []*Conn {
	e.μ.Lock()
	defer e.μ.Unlock()
	out := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// addConn registers a conn for the named peer, returning the existing conn
// if the peer is already known.
func (e *endpoint) addConn(id Identifier, t Transport) *Conn {
	e.μ.Lock()
	defer e.μ.Unlock()
	if c, ok := e.conns[id]; ok {
		return c
	}
	c := newConn(id, e, t)
	e.conns[id] = c
	return c
}

// dropConn removes and closes the conn for the named peer, poisoning its
// pending requests. It returns the removed conn, or nil if the peer was not
// known.
func (e *endpoint) dropConn(id Identifier, code int, reason string) *Conn {
	e.μ.Lock()
	c, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.μ.Unlock()
	if !ok {
		return nil
	}
	c.close(code, reason)
	return c
}

// closeConns removes and closes every conn.
func (e *endpoint) closeConns(code int, reason string) {
	e.μ.Lock()
	conns := e.conns
	e.conns = make(map[Identifier]*Conn)
	e.μ.Unlock()
	for _, c := range conns {
		c.close(code, reason)
	}
}

func (e *endpoint) group() *taskgroup.Group {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.tasks
}

func (e *endpoint) setGroup(g *taskgroup.Group) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.tasks = g
}

// anomaly records a non-fatal protocol irregularity: logged and counted,
// never propagated.
func (e *endpoint) anomaly(msg string, fields ...zap.Field) {
	e.metrics.anomalies.Add(1)
	e.log.Warn(msg, fields...)
}

// sendEnvelope encodes env and delivers it toward its target, dispatching the
// on_send observability event.
func (e *endpoint) sendEnvelope(env *Envelope) error {
	frame, err := e.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	e.dispatch(EventSend, env)
	if err := e.deliver(env.Target, frame); err != nil {
		return err
	}
	e.metrics.frameSent.Add(1)
	return nil
}

// handleFrame processes one received frame addressed to this endpoint.
// Requests are dispatched as independent tasks so a slow handler cannot stall
// reception of subsequent frames; responses resolve the matching wait cell by
// session. Nothing handleFrame encounters is fatal to the caller's loop.
func (e *endpoint) handleFrame(ctx context.Context, frame []byte) {
	env, err := e.codec.Decode(frame)
	if err != nil {
		e.metrics.frameDropped.Add(1)
		e.anomaly("dropping undecodable frame", zap.Error(err))
		return
	}
	e.handleEnvelope(ctx, env)
	e.dispatch(EventReceive, env)
}

// handleEnvelope processes one decoded envelope addressed to this endpoint.
func (e *endpoint) handleEnvelope(ctx context.Context, env *Envelope) {
	switch env.Kind {
	case KindRequest:
		g := e.group()
		if g == nil {
			e.metrics.frameDropped.Add(1)
			return
		}
		g.Go(func() error { e.serveRequest(ctx, env); return nil })

	case KindResponse:
		e.resolveResponse(env)
	}
}

// serveRequest runs the route named by env and sends back the response
// envelope carrying the same session. Handler failures become error
// descriptors; send failures are logged and dropped.
func (e *endpoint) serveRequest(ctx context.Context, env *Envelope) {
	e.metrics.requestIn.Add(1)
	e.metrics.routesActive.Add(1)
	defer e.metrics.routesActive.Add(-1)

	result, rerr := e.runRoute(ctx, env)

	rsp := env.response()
	rsp.Source = e.ID()
	rsp.Status = value.Cond(rerr == nil, StatusOK, StatusError)
	if rerr != nil {
		e.metrics.requestInErr.Add(1)
		rsp.Err = infoFromError(rerr)
		var rnf *RouteNotFoundError
		if errors.As(rerr, &rnf) {
			e.log.Warn("requested route not found",
				zap.String("route", env.Route), zap.String("source", string(env.Source)))
		} else {
			e.log.Warn("route handler failed",
				zap.String("route", env.Route), zap.Error(rerr))
		}
	} else {
		rsp.Result = result
	}

	if err := e.sendEnvelope(rsp); err != nil {
		e.log.Warn("send response failed",
			zap.String("target", string(rsp.Target)), zap.Error(err))
	}
}

// resolveResponse delivers a response envelope to the wait cell registered
// under its session. An unknown source or session is a protocol anomaly:
// logged, counted, and dropped, never fatal.
func (e *endpoint) resolveResponse(env *Envelope) {
	c := e.Conn(env.Source)
	if c == nil {
		e.metrics.frameDropped.Add(1)
		e.anomaly("response from unknown peer", zap.String("source", string(env.Source)))
		return
	}
	if !c.resolve(env) {
		e.metrics.frameDropped.Add(1)
		e.anomaly("response for unknown session",
			zap.String("source", string(env.Source)), zap.String("session", string(env.Session)))
	}
}

// RequestAll issues the named route concurrently to every known peer whose
// identifier satisfies filter (all peers if filter is nil) and collects the
// per-peer outcomes. Individual failures do not abort the other requests.
func (e *endpoint) RequestAll(ctx context.Context, route string, args []any, filter func(Identifier) bool) map[Identifier]Result {
	conns := e.snapshotConns()

	var μ sync.Mutex
	out := make(map[Identifier]Result, len(conns))

	g := taskgroup.New(nil)
	for _, c := range conns {
		if filter != nil && !filter(c.id) {
			continue
		}
		g.Go(func() error {
			v, err := c.RequestKW(ctx, route, args, nil)
			μ.Lock()
			defer μ.Unlock()
			out[c.id] = Result{Value: v, Err: err}
			return nil
		})
	}
	g.Wait()
	return out
}

// shutdown performs the close bookkeeping shared by both roles: exactly once,
// it dispatches on_close and poisons every conn before returning.
func (e *endpoint) shutdown(code int, reason string) bool {
	e.μ.Lock()
	if e.closed {
		e.μ.Unlock()
		return false
	}
	e.closed = true
	e.μ.Unlock()

	e.dispatch(EventClose)
	e.closeConns(code, reason)
	return true
}

func (e *endpoint) isClosed() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.closed
}
