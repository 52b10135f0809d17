package patchbay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A Server is the relay hub: it accepts inbound transports, verifies each
// client's identity claim, forwards frames between clients, and keeps every
// client's roster current through the secret membership routes. Requests
// addressed to RelayID are answered by the server's own routes, so the relay
// participates in the RPC surface like any other endpoint.
//
// Construct a server with NewServer, register routes and listeners, and call
// Serve with an Accepter. The server performs no buffering: a frame for a
// disconnected target is dropped with a logged warning and the caller
// experiences a timeout.
type Server struct {
	endpoint

	quit     chan struct{}
	stopOnce sync.Once
}

// NewServer constructs an unstarted relay server. A nil opts is ready for use
// and selects the documented defaults.
func NewServer(opts *Options) *Server {
	s := new(Server)
	s.init(RelayID, opts)
	s.deliver = s.deliverFrame
	s.quit = make(chan struct{})
	return s
}

// Serve accepts transports from acc and relays frames between them until acc
// closes, ctx ends, or Close is called. It dispatches on_ready once the
// accept loop is running and guarantees that every accepted connection is
// closed before it returns.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	taskgroup.Go(func() error {
		select {
		case <-s.quit:
			cancel()
		case <-sctx.Done():
		}
		return nil
	})

	g := taskgroup.New(nil)
	s.setGroup(g)
	s.dispatch(EventReady)
	s.log.Info("relay serving", zap.String("id", string(s.ID())))

	for {
		t, err := acc.Accept(sctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || sctx.Err() != nil {
				err = nil
			}
			s.Close(CloseGoingAway, "server stopped")
			g.Wait()
			return err
		}
		g.Go(func() error { s.serveTransport(sctx, t); return nil })
	}
}

// Close stops the serve loop and disconnects every client, poisoning their
// pending requests. It is idempotent.
func (s *Server) Close(code int, reason string) error {
	s.stopOnce.Do(func() { close(s.quit) })
	s.shutdown(code, reason)
	return nil
}

// serveTransport owns one accepted transport from handshake to teardown.
func (s *Server) serveTransport(ctx context.Context, t Transport) {
	// The transport is not in the conn table until the handshake completes,
	// so a shutdown cannot reach it yet. Close it here if ctx ends or the
	// peer stays silent past the request timeout.
	hdone := make(chan struct{})
	taskgroup.Go(func() error {
		tmr := time.NewTimer(s.timeout)
		defer tmr.Stop()
		select {
		case <-ctx.Done():
			t.Close(CloseGoingAway, "server stopped")
		case <-tmr.C:
			t.Close(CloseInternalError, "handshake timeout")
		case <-hdone:
		}
		return nil
	})

	conn, others, err := s.handshake(t)
	close(hdone) // the conn table owns the transport from here on
	if err != nil {
		s.log.Info("handshake rejected", zap.Error(err))
		t.Close(CloseInternalError, "handshake failed")
		return
	}
	id := conn.id
	s.log.Info("client connected", zap.String("id", string(id)))

	// Notify every prior peer concurrently: one slow peer must not delay the
	// others, the local event, or this connection's frame loop.
	s.notifyPeers(ctx, others, EventConnect, id)
	s.dispatch(EventConnect, id)

	err = s.relayLoop(ctx, conn, t)
	if err != nil && !isClosedError(err) {
		s.log.Warn("connection failed", zap.String("id", string(id)), zap.Error(err))
	}

	if s.dropConn(id, CloseGoingAway, "client disconnected") != nil {
		s.log.Info("client disconnected", zap.String("id", string(id)))
		s.notifyPeers(ctx, s.snapshotConns(), EventDisconnect, id)
		s.dispatch(EventDisconnect, id)
	}
}

// handshake reads and answers the verify request that must open every
// connection. On success it returns the registered conn plus a snapshot of
// the peers that existed before it; registration and the snapshot happen
// atomically so membership notifications cannot interleave with a concurrent
// removal of the same identifier.
func (s *Server) handshake(t Transport) (*Conn, []*Conn, error) {
	raw, err := t.Recv()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	env, err := s.codec.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	if env.Kind != KindRequest || !env.Secret || env.Route != routeVerify {
		return nil, nil, fmt.Errorf("handshake: unexpected frame %v", env)
	}

	claimed := RelayID // force rejection unless a usable claim is found
	if len(env.Args) > 0 {
		if sid, ok := env.Args[0].(string); ok {
			claimed = Identifier(sid)
		}
	}
	if claimed == "" {
		claimed = Identifier(uuid.NewString())
	}

	s.μ.Lock()
	_, taken := s.conns[claimed]
	if taken || claimed == RelayID || s.closed {
		s.μ.Unlock()
		reason := fmt.Sprintf("identifier %q already in use", claimed)
		if claimed == RelayID {
			reason = fmt.Sprintf("identifier %q is reserved", claimed)
		} else if s.closed {
			reason = "server is closed"
		}
		s.reject(t, env, reason)
		return nil, nil, &VerifyError{Reason: reason}
	}
	conn := newConn(claimed, &s.endpoint, t)
	others := make([]*Conn, 0, len(s.conns))
	roster := make([]any, 0, len(s.conns)+2)
	for id, c := range s.conns {
		others = append(others, c)
		roster = append(roster, string(id))
	}
	roster = append(roster, string(claimed), string(RelayID))
	s.conns[claimed] = conn
	s.μ.Unlock()

	rsp := env.response()
	rsp.Source = RelayID
	rsp.Target = claimed
	rsp.Status = StatusOK
	rsp.Result = map[string]any{"id": string(claimed), "roster": roster}
	frame, err := s.codec.Encode(rsp)
	if err == nil {
		err = t.Send(frame)
	}
	if err != nil {
		s.dropConn(claimed, CloseInternalError, "handshake failed")
		return nil, nil, fmt.Errorf("handshake reply: %w", err)
	}
	return conn, others, nil
}

// reject answers a verify request with an error response. Send failures are
// irrelevant here; the transport is being torn down either way.
func (s *Server) reject(t Transport, env *Envelope, reason string) {
	rsp := env.response()
	rsp.Source = RelayID
	rsp.Status = StatusError
	rsp.Err = &ErrorInfo{Kind: errKindVerifyFailed, Message: reason}
	if frame, err := s.codec.Encode(rsp); err == nil {
		t.Send(frame)
	}
}

// notifyPeers invokes the named secret membership route on each conn with the
// affected peer's identifier, each notification as its own fire-and-forget
// task.
func (s *Server) notifyPeers(ctx context.Context, conns []*Conn, route string, id Identifier) {
	for _, c := range conns {
		taskgroup.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if _, err := c.request(nctx, route, []any{string(id)}, nil, true); err != nil {
				s.log.Warn("membership notification failed",
					zap.String("peer", string(c.id)), zap.String("route", route), zap.Error(err))
			}
			return nil
		})
	}
}

// relayLoop processes the frames arriving on one client's transport. Frames
// addressed to the relay are handled locally; everything else is forwarded
// verbatim to the target's transport. An unresolvable target is a routing
// anomaly: logged, counted, dropped, never fatal to the relay.
func (s *Server) relayLoop(ctx context.Context, conn *Conn, t Transport) error {
	for {
		raw, err := t.Recv()
		if err != nil {
			return err
		}
		s.metrics.frameRecv.Add(1)

		env, derr := s.codec.Decode(raw)
		if derr != nil {
			s.metrics.frameDropped.Add(1)
			s.anomaly("dropping undecodable frame",
				zap.String("from", string(conn.id)), zap.Error(derr))
			continue
		}
		if env.Target == s.ID() {
			s.handleEnvelope(ctx, env)
		} else if err := s.deliverFrame(env.Target, raw); err != nil {
			s.metrics.frameDropped.Add(1)
			s.anomaly("undeliverable frame",
				zap.String("source", string(env.Source)),
				zap.String("target", string(env.Target)),
				zap.String("route", env.Route),
				zap.Error(err))
		} else {
			s.metrics.frameSent.Add(1)
		}
		s.dispatch(EventReceive, env)
	}
}

// deliverFrame sends an encoded frame over the transport owned by the
// target's conn.
func (s *Server) deliverFrame(target Identifier, frame []byte) error {
	c := s.Conn(target)
	if c == nil {
		return &TargetNotFoundError{Target: target}
	} else if c.transport == nil {
		return ErrTransportClosed
	}
	return c.transport.Send(frame)
}

// isClosedError reports whether err is an ordinary end-of-transport
// condition rather than a protocol failure.
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrTransportClosed)
}
