// Program patchbay is a command-line utility for running and exercising a
// patchbay relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/patchbay-rpc/patchbay"
	"github.com/patchbay-rpc/patchbay/handler"
	"github.com/patchbay-rpc/patchbay/transport"
	"go.uber.org/zap"
)

var serveFlags = struct {
	Addr string `flag:"addr,Service address"`
}{Addr: "localhost:8300"}

var callFlags = struct {
	Addr    string        `flag:"addr,Relay address"`
	ID      string        `flag:"id,Client identifier (default: random)"`
	Timeout time.Duration `flag:"timeout,Request timeout"`
}{Addr: "localhost:8300", Timeout: patchbay.DefaultTimeout}

var watchFlags = struct {
	Addr string `flag:"addr,Relay address"`
	ID   string `flag:"id,Client identifier (default: random)"`
}{Addr: "localhost:8300"}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and exercise a patchbay relay.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a relay server until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<target> <route> [json-arg...]",
				Help:     "Connect to a relay and invoke a route on the named peer.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      command.Adapt(runCall),
			},
			{
				Name:     "watch",
				Help:     "Connect to a relay and report membership changes until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &watchFlags),
				Run:      runWatch,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	srv := patchbay.NewServer(&patchbay.Options{Logger: log})

	// Diagnostic routes, callable by any connected client.
	srv.Handle("ping", handler.Args0(func(context.Context) (string, error) {
		return "pong", nil
	}))
	srv.Handle("print", func(_ context.Context, req *patchbay.Request) (any, error) {
		fmt.Printf("[%s] %v\n", req.Source, req.Args)
		return nil, nil
	})

	acc, err := transport.Listen(serveFlags.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("relay listening", zap.String("addr", serveFlags.Addr))
	return srv.Serve(ctx, acc)
}

func runCall(env *command.Env, target, route string, jsonArgs ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callFlags.Timeout+5*time.Second)
	defer cancel()

	args := make([]any, len(jsonArgs))
	for i, raw := range jsonArgs {
		if err := json.Unmarshal([]byte(raw), &args[i]); err != nil {
			args[i] = raw // not JSON, pass through as a string
		}
	}

	cli := patchbay.NewClient(clientID(callFlags.ID), &patchbay.Options{
		Timeout:     callFlags.Timeout,
		NoReconnect: true,
	})
	done := taskgroup.Go(func() error {
		return cli.Start(ctx, transport.Dialer(callFlags.Addr))
	})
	defer func() { cli.Close(patchbay.CloseNormal, "done"); done.Wait() }()

	if err := cli.WaitReady(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	result, err := cli.Request(ctx, patchbay.Identifier(target), route, args...)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runWatch(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	cli := patchbay.NewClient(clientID(watchFlags.ID), &patchbay.Options{Logger: log})
	cli.Listen(patchbay.EventReady, func(...any) {
		fmt.Printf("ready: connected as %q, peers %v\n", cli.ID(), cli.Peers())
	})
	cli.Listen(patchbay.EventConnect, func(args ...any) {
		fmt.Printf("connect: %v\n", args)
	})
	cli.Listen(patchbay.EventDisconnect, func(args ...any) {
		fmt.Printf("disconnect: %v\n", args)
	})
	cli.Listen(patchbay.EventReceive, func(args ...any) {
		if len(args) > 0 {
			fmt.Printf("recv: %v\n", args[0])
		}
	})
	return cli.Start(ctx, transport.Dialer(watchFlags.Addr))
}

func clientID(id string) patchbay.Identifier {
	if id == "" {
		return patchbay.Identifier("cli-" + uuid.NewString())
	}
	return patchbay.Identifier(id)
}
