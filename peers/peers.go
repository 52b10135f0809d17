// Package peers provides support code for assembling and testing groups of
// relay clients.
package peers

import (
	"context"
	"fmt"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/patchbay-rpc/patchbay"
	"github.com/patchbay-rpc/patchbay/transport"
)

// Local is an in-memory relay with a set of verified clients attached to it,
// suitable for testing.
type Local struct {
	Server  *patchbay.Server
	Clients map[patchbay.Identifier]*patchbay.Client

	hub    *transport.Hub
	cancel context.CancelFunc
	tasks  *taskgroup.Group
}

// NewLocal creates a relay with one connected client per id, all
// communicating over in-memory transports. Each client has completed the
// verify handshake, and every other client has observed its join, before
// NewLocal returns: callers get a settled roster.
func NewLocal(ids ...patchbay.Identifier) (*Local, error) {
	return NewLocalOptions(nil, ids...)
}

// NewLocalOptions is like NewLocal but applies opts to each client.
func NewLocalOptions(opts *patchbay.Options, ids ...patchbay.Identifier) (*Local, error) {
	ctx, cancel := context.WithCancel(context.Background())
	lp := &Local{
		Server:  patchbay.NewServer(nil),
		Clients: make(map[patchbay.Identifier]*patchbay.Client, len(ids)),
		hub:     transport.NewHub(),
		cancel:  cancel,
		tasks:   taskgroup.New(nil),
	}
	lp.tasks.Go(func() error {
		return lp.Server.Serve(ctx, lp.hub)
	})

	for _, id := range ids {
		copts := *optsOrDefault(opts)
		copts.NoReconnect = true
		cli := patchbay.NewClient(id, &copts)
		lp.tasks.Go(func() error {
			return cli.Start(ctx, lp.hub.Dial)
		})
		if err := cli.WaitReady(ctx); err != nil {
			lp.Stop()
			return nil, fmt.Errorf("client %q: %w", id, err)
		}

		// The relay's join broadcast to the clients attached earlier is
		// fire-and-forget, so readiness of the new client does not imply the
		// others can address it yet. Wait for each of their rosters to catch
		// up before attaching the next client.
		for pid, prev := range lp.Clients {
			if err := waitForPeer(ctx, prev, id); err != nil {
				lp.Stop()
				return nil, fmt.Errorf("client %q: %w", pid, err)
			}
		}
		lp.Clients[id] = cli
	}
	return lp, nil
}

// waitForPeer polls until cli's roster contains id, or gives up.
func waitForPeer(ctx context.Context, cli *patchbay.Client, id patchbay.Identifier) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for cli.Conn(id) == nil {
		select {
		case <-wctx.Done():
			return fmt.Errorf("peer %q never joined the roster: %w", id, wctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// Dial opens a new in-memory transport to the relay. It can be used to
// attach additional clients after construction.
func (lp *Local) Dial(ctx context.Context) (patchbay.Transport, error) {
	return lp.hub.Dial(ctx)
}

// Client returns the client with the given id, or panics if there is none.
func (lp *Local) Client(id patchbay.Identifier) *patchbay.Client {
	cli, ok := lp.Clients[id]
	if !ok {
		panic(fmt.Sprintf("no client with id %q", id))
	}
	return cli
}

// Stop shuts down the clients and the relay and blocks until all have
// exited.
func (lp *Local) Stop() error {
	for _, cli := range lp.Clients {
		cli.Close(patchbay.CloseNormal, "harness stopping")
	}
	serr := lp.Server.Close(patchbay.CloseNormal, "harness stopping")
	lp.hub.Close()
	lp.cancel()
	lp.tasks.Wait()
	return serr
}

func optsOrDefault(opts *patchbay.Options) *patchbay.Options {
	if opts == nil {
		return new(patchbay.Options)
	}
	return opts
}
