// Package patchbay implements an identifier-addressed RPC relay.
//
// Independent endpoints ("clients") connect to a central relay ("server")
// over a persistent duplex transport and invoke named remote operations
// ("routes") on one another, receiving correlated responses or propagated
// errors. The relay forwards frames between clients hub-and-spoke style,
// answers requests addressed to its own reserved identifier, and keeps every
// client's view of the membership set current.
//
// # Clients
//
// The [Client] type connects outward to the relay. Construct one with
// [NewClient], register routes, and run its connection state machine with
// Start:
//
//	c := patchbay.NewClient("worker-1", nil)
//	c.Handle("echo", func(ctx context.Context, req *patchbay.Request) (any, error) {
//	   return req.Arg(0), nil
//	})
//	go c.Start(ctx, transport.Dialer("localhost:8080"))
//	c.WaitReady(ctx)
//
// Once ready, the client can invoke routes on any endpoint in its roster,
// including the relay itself under [RelayID]:
//
//	v, err := c.Request(ctx, "worker-2", "echo", "hi")
//
// A request blocks until the correlated response arrives, the configured
// timeout elapses, or ctx ends. Failures are reported as *[RouteNotFoundError],
// *[RemoteError], [ErrRequestTimeout], or [ErrConnectionClosed].
//
// If the transport fails, the client dispatches the on_disconnect event and,
// unless reconnection is disabled, redials after a fixed backoff. A rejected
// identity claim (*[VerifyError]) is terminal and never retried.
//
// # Servers
//
// The [Server] type is the relay hub. It verifies each inbound identity
// claim, rejects collisions, and forwards frames between the accepted
// transports:
//
//	s := patchbay.NewServer(nil)
//	acc, err := transport.Listen("localhost:8080")
//	...
//	err := s.Serve(ctx, acc)
//
// The server registers routes and listeners exactly like a client, and runs
// them for requests whose target is [RelayID].
//
// # Routes and listeners
//
// A route is a named, remotely invocable operation. Routes registered with
// HandleSecret live in a second namespace reachable only by internally
// flagged requests; the relay's membership protocol (the on_connect and
// on_disconnect notifications) rides this namespace so that control traffic
// reuses the ordinary envelope and correlation machinery.
//
// Listeners observe lifecycle events (on_ready, on_close, on_connect,
// on_disconnect, on_receive, on_send). Dispatching an event schedules every
// listener as an independent task and never blocks; a listener failure is
// logged and discarded.
//
// # Transports and codecs
//
// Endpoints exchange opaque byte frames over the [Transport] contract and
// translate them to envelopes through a [Codec]; [JSONCodec] is the default.
// The transport subpackage provides in-memory and framed TCP transports
// along with accepters and dialers for them.
//
// # Metrics
//
// Endpoints maintain activity counters while running; use the Metrics method
// to obtain the [expvar.Map] that holds them. The metrics currently exported
// include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - requests_in: counter of inbound requests received
//   - requests_in_failed: counter of inbound requests resolved with an error
//   - requests_out: counter of outbound requests initiated
//   - requests_pending: gauge of outbound requests awaiting a response
//   - routes_active: gauge of route handlers currently running
//   - anomalies: counter of non-fatal protocol irregularities
package patchbay
