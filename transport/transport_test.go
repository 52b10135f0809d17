package transport_test

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/patchbay-rpc/patchbay"
	"github.com/patchbay-rpc/patchbay/transport"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := transport.Direct()

	done := taskgroup.Go(func() error {
		return b.Send([]byte("pong"))
	})
	req := taskgroup.Go(func() error {
		return a.Send([]byte("ping"))
	})

	if frame, err := b.Recv(); err != nil || string(frame) != "ping" {
		t.Errorf("Recv on b: got (%q, %v), want (ping, nil)", frame, err)
	}
	if frame, err := a.Recv(); err != nil || string(frame) != "pong" {
		t.Errorf("Recv on a: got (%q, %v), want (pong, nil)", frame, err)
	}
	if err := req.Wait(); err != nil {
		t.Errorf("Send on a: unexpected error: %v", err)
	}
	if err := done.Wait(); err != nil {
		t.Errorf("Send on b: unexpected error: %v", err)
	}

	// Closing either side tears down the pair and unblocks both directions.
	a.Close(patchbay.CloseNormal, "test over")
	if !a.IsClosed() || !b.IsClosed() {
		t.Errorf("IsClosed after close: got (%v, %v), want (true, true)", a.IsClosed(), b.IsClosed())
	}
	if frame, err := b.Recv(); err == nil {
		t.Errorf("Recv on closed b: got %q, want error", frame)
	}
	if err := b.Send([]byte("x")); err == nil {
		t.Error("Send on closed b: got nil, want error")
	}
	// A second close is a no-op.
	if err := b.Close(patchbay.CloseNormal, "again"); err != nil {
		t.Errorf("Second close: unexpected error: %v", err)
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := transport.Direct()

	// A sender with no receiver must be released by close.
	send := taskgroup.Go(func() error {
		return a.Send([]byte("stuck"))
	})
	recv := taskgroup.Go(func() error {
		_, err := a.Recv()
		return err
	})
	b.Close(patchbay.CloseGoingAway, "peer gone")

	if err := send.Wait(); err == nil {
		t.Error("Send after peer close: got nil, want error")
	}
	if err := recv.Wait(); err == nil {
		t.Error("Recv after peer close: got nil, want error")
	}
}

func TestFramedConn(t *testing.T) {
	defer leaktest.Check(t)()

	nc, ns := net.Pipe()
	ct, st := transport.Conn(nc), transport.Conn(ns)

	t.Run("RoundTrip", func(t *testing.T) {
		// Includes an empty frame and one larger than the writer's buffer.
		payloads := [][]byte{
			[]byte("hello"),
			{},
			[]byte(strings.Repeat("x", 70000)),
			{0x00, 0xff, 0x7f},
		}
		done := taskgroup.Go(func() error {
			for _, p := range payloads {
				if err := ct.Send(p); err != nil {
					return err
				}
			}
			return nil
		})
		for _, want := range payloads {
			got, err := st.Recv()
			if err != nil {
				t.Fatalf("Recv: unexpected error: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Recv: got %d bytes, want %d", len(got), len(want))
			}
		}
		if err := done.Wait(); err != nil {
			t.Errorf("Send: unexpected error: %v", err)
		}
	})

	t.Run("Oversize", func(t *testing.T) {
		if err := ct.Send(make([]byte, 1<<24+1)); err == nil {
			t.Error("Send oversize frame: got nil, want error")
		}
	})

	t.Run("Close", func(t *testing.T) {
		recv := taskgroup.Go(func() error {
			_, err := st.Recv()
			return err
		})
		ct.Close(patchbay.CloseNormal, "test over")
		if !ct.IsClosed() {
			t.Error("IsClosed after close: got false, want true")
		}
		if err := ct.Send([]byte("x")); err == nil {
			t.Error("Send after close: got nil, want error")
		}
		if err := recv.Wait(); err == nil {
			t.Error("Recv after peer close: got nil, want error")
		}
		st.Close(patchbay.CloseNormal, "test over")
	})
}

func TestHub(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub()

	cli := taskgroup.Go(func() error {
		ct, err := hub.Dial(t.Context())
		if err != nil {
			return err
		}
		if err := ct.Send([]byte("hello")); err != nil {
			return err
		}
		frame, err := ct.Recv()
		if err != nil {
			return err
		}
		if string(frame) != "welcome" {
			t.Errorf("Client recv: got %q, want welcome", frame)
		}
		return nil
	})

	srv, err := hub.Accept(t.Context())
	if err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}
	if frame, err := srv.Recv(); err != nil || string(frame) != "hello" {
		t.Errorf("Server recv: got (%q, %v), want (hello, nil)", frame, err)
	}
	if err := srv.Send([]byte("welcome")); err != nil {
		t.Errorf("Server send: unexpected error: %v", err)
	}
	if err := cli.Wait(); err != nil {
		t.Errorf("Client: unexpected error: %v", err)
	}

	hub.Close()
	if _, err := hub.Dial(t.Context()); err == nil {
		t.Error("Dial on closed hub: got nil, want error")
	}
	if _, err := hub.Accept(t.Context()); err == nil {
		t.Error("Accept on closed hub: got nil, want error")
	}
}

func TestNetAccepter(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: unexpected error: %v", err)
	}
	acc := transport.NetAccepter(lst)

	addr := lst.Addr().String()
	cli := taskgroup.Go(func() error {
		ct, err := transport.Dial(t.Context(), addr)
		if err != nil {
			return err
		}
		defer ct.Close(patchbay.CloseNormal, "done")
		return ct.Send([]byte("over tcp"))
	})

	st, err := acc.Accept(t.Context())
	if err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}
	if frame, err := st.Recv(); err != nil || string(frame) != "over tcp" {
		t.Errorf("Recv: got (%q, %v), want (over tcp, nil)", frame, err)
	}
	if err := cli.Wait(); err != nil {
		t.Errorf("Client: unexpected error: %v", err)
	}
	st.Close(patchbay.CloseNormal, "done")
	lst.Close()

	if _, err := acc.Accept(t.Context()); err == nil {
		t.Error("Accept on closed listener: got nil, want error")
	}
}
