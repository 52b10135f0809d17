// Package transport provides implementations of the patchbay.Transport
// contract: an in-memory connected pair for tests and local wiring, and a
// length-prefixed framing layer over net.Conn for real deployments, together
// with accepters and dialers for both.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"

	"github.com/patchbay-rpc/patchbay"
)

// Direct constructs a connected pair of in-memory transports. Frames sent to
// A are received by B and vice versa, without any encoding. Closing either
// side tears down the whole pair.
func Direct() (A, B patchbay.Transport) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	done := make(chan struct{})
	once := new(sync.Once)
	A = &direct{out: a2b, in: b2a, done: done, stop: once}
	B = &direct{out: b2a, in: a2b, done: done, stop: once}
	return
}

type direct struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	stop *sync.Once // shared by both sides of the pair
}

// Send implements a method of the [patchbay.Transport] interface.
func (d *direct) Send(frame []byte) error {
	select {
	case d.out <- frame:
		return nil
	case <-d.done:
		return patchbay.ErrTransportClosed
	}
}

// Recv implements a method of the [patchbay.Transport] interface.
func (d *direct) Recv() ([]byte, error) {
	select {
	case frame := <-d.in:
		return frame, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [patchbay.Transport] interface.
func (d *direct) Close(code int, reason string) error {
	d.stop.Do(func() { close(d.done) })
	return nil
}

// IsClosed implements a method of the [patchbay.Transport] interface.
func (d *direct) IsClosed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// maxFrameSize bounds the payload length accepted by framed transports.
const maxFrameSize = 1 << 24 // 16 MiB

// Conn wraps a net.Conn (or any read/write/closer) into a framed transport.
// Each frame is preceded by a 4-byte big-endian length header.
func Conn(nc net.Conn) patchbay.Transport {
	return &framed{
		r: bufio.NewReader(nc),
		w: bufio.NewWriter(nc),
		c: nc,
	}
}

type framed struct {
	r *bufio.Reader
	c io.Closer

	μ sync.Mutex // guards w
	w *bufio.Writer

	closed atomic.Bool
}

// Send implements a method of the [patchbay.Transport] interface.
func (f *framed) Send(frame []byte) error {
	if f.closed.Load() {
		return patchbay.ErrTransportClosed
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("frame too large (%d bytes)", len(frame))
	}

	f.μ.Lock()
	defer f.μ.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(frame); err != nil {
		return err
	}
	return f.w.Flush()
}

// Recv implements a method of the [patchbay.Transport] interface.
func (f *framed) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large (%d bytes)", size)
	}
	frame := make([]byte, int(size))
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return frame, nil
}

// Close implements a method of the [patchbay.Transport] interface. The code
// and reason are discarded; a TCP stream has no close-frame concept.
func (f *framed) Close(code int, reason string) error {
	if f.closed.CompareAndSwap(false, true) {
		return f.c.Close()
	}
	return nil
}

// IsClosed implements a method of the [patchbay.Transport] interface.
func (f *framed) IsClosed() bool { return f.closed.Load() }

// NetAccepter adapts a net.Listener to the patchbay.Accepter interface,
// framing each accepted connection.
func NetAccepter(lst net.Listener) patchbay.Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (patchbay.Transport, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel releases the watcher when Accept
	// returns before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Conn(conn), nil
}

// Listen opens a TCP listener on addr and returns an accepter over it.
func Listen(addr string) (patchbay.Accepter, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NetAccepter(lst), nil
}

// Dial opens a framed TCP transport to addr.
func Dial(ctx context.Context, addr string) (patchbay.Transport, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Conn(nc), nil
}

// Dialer returns a patchbay.Dialer that dials addr over TCP, suitable for
// passing to Client.Start.
func Dialer(addr string) patchbay.Dialer {
	return func(ctx context.Context) (patchbay.Transport, error) {
		return Dial(ctx, addr)
	}
}

// A Hub is an in-memory accepter whose Dial produces the peer side of a
// Direct pair. It stands in for a network listener in tests and examples.
type Hub struct {
	ch   chan patchbay.Transport
	done chan struct{}
	once sync.Once
}

// NewHub constructs a new open hub.
func NewHub() *Hub {
	return &Hub{ch: make(chan patchbay.Transport), done: make(chan struct{})}
}

// Dial connects to the hub, delivering the far side of a Direct pair to the
// accept loop and returning the near side.
func (h *Hub) Dial(ctx context.Context) (patchbay.Transport, error) {
	a, b := Direct()
	select {
	case h.ch <- b:
		return a, nil
	case <-h.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept implements the [patchbay.Accepter] interface.
func (h *Hub) Accept(ctx context.Context) (patchbay.Transport, error) {
	select {
	case t := <-h.ch:
		return t, nil
	case <-h.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the hub; pending and future Dial and Accept calls fail with
// net.ErrClosed.
func (h *Hub) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}
