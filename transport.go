package patchbay

import "context"

// Close codes passed to Transport.Close. The values follow the WebSocket
// close-code registry, which the original deployments of this protocol used;
// transports without a close-code concept may ignore them.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// A Transport is a reliable ordered stream of byte frames shared by two
// endpoints. The core treats frame contents as opaque codec output.
//
// Send and Recv must be safe for concurrent use by one sender and one
// receiver. After Close, both must fail with an error satisfying
// errors.Is(err, ErrTransportClosed) or reporting end of stream.
type Transport interface {
	// Send queues the frame for delivery to the peer, blocking until it is
	// accepted by the underlying stream.
	Send(frame []byte) error

	// Recv blocks until the next frame arrives and returns it.
	Recv() ([]byte, error)

	// Close tears down the transport with the given code and reason,
	// unblocking any pending Send or Recv.
	Close(code int, reason string) error

	// IsClosed reports whether the transport has been closed.
	IsClosed() bool
}

// An Accepter produces transports for inbound connections. The relay's serve
// loop draws from an Accepter until it closes or ctx ends.
type Accepter interface {
	Accept(ctx context.Context) (Transport, error)
}

// A Dialer opens a transport to the relay. The client's connection state
// machine invokes it for the initial connection and for each reconnection
// attempt.
type Dialer func(ctx context.Context) (Transport, error)
