package patchbay

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// A Handler services a request for one named route. The request carries the
// caller's identifier and the decoded argument vector. The value it returns
// is delivered to the caller as the result of the request; an error (or a
// panic) is converted to an error descriptor and never propagates past the
// dispatch boundary.
type Handler func(ctx context.Context, req *Request) (any, error)

// A Request is the handler's view of one inbound request envelope.
type Request struct {
	Source Identifier     // the requesting endpoint
	Route  string         // the invoked route name
	Args   []any          // positional arguments
	Kwargs map[string]any // keyword arguments
}

// Arg returns the i'th positional argument, or nil if there is none.
func (r *Request) Arg(i int) any {
	if i < 0 || i >= len(r.Args) {
		return nil
	}
	return r.Args[i]
}

// StringArg returns the i'th positional argument as a string. Missing or
// non-string arguments report "".
func (r *Request) StringArg(i int) string {
	s, _ := r.Arg(i).(string)
	return s
}

// A Listener observes a dispatched event. Listeners are fire-and-forget:
// each invocation runs as its own task, and a panic is logged without
// affecting the dispatching endpoint or sibling listeners.
type Listener func(args ...any)

// Events dispatched by the core. User listeners register on these names with
// Listen; on_connect and on_disconnect carry the affected peer's Identifier
// (a client that loses its relay transport reports its own identifier),
// on_receive and on_send carry the *Envelope.
const (
	EventReady      = "on_ready"
	EventClose      = "on_close"
	EventConnect    = "on_connect"
	EventDisconnect = "on_disconnect"
	EventReceive    = "on_receive"
	EventSend       = "on_send"
)

// listenReg pairs a registered listener with its registration ID, so that a
// registration can be removed individually.
type listenReg struct {
	id uint64
	fn Listener
}

// A dispatcher holds the route and listener registries of one endpoint and
// runs their entries without ever letting a failure escape into the frame
// processing loop.
type dispatcher struct {
	log   *zap.Logger
	spawn func(func()) // run a task concurrently, fire-and-forget

	μ       sync.Mutex
	routes  map[string]Handler
	secrets map[string]Handler
	events  map[string][]listenReg
	nextReg uint64
}

func (d *dispatcher) initDispatcher(log *zap.Logger) {
	d.log = log
	d.routes = make(map[string]Handler)
	d.secrets = make(map[string]Handler)
	d.events = make(map[string][]listenReg)
	if d.spawn == nil {
		d.spawn = func(f func()) {
			taskgroup.Go(func() error { f(); return nil })
		}
	}
}

// Handle registers handler for the named route, replacing any previous
// registration under the same name. It panics if route is empty or handler is
// nil. It is safe to call while the endpoint is running.
func (d *dispatcher) Handle(route string, handler Handler) {
	d.setRoute(d.routes, route, handler)
}

// HandleSecret registers handler in the secret route namespace, reachable
// only by requests with the secret flag set. The relay's membership protocol
// lives in this namespace.
func (d *dispatcher) HandleSecret(route string, handler Handler) {
	d.setRoute(d.secrets, route, handler)
}

func (d *dispatcher) setRoute(table map[string]Handler, route string, handler Handler) {
	if route == "" {
		panic("empty route name")
	} else if handler == nil {
		panic("nil handler for route " + route)
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	table[route] = handler
}

// Unhandle removes the named route from both namespaces. It reports a
// RouteNotFoundError if no such route is registered.
func (d *dispatcher) Unhandle(route string) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	_, or := d.routes[route]
	_, sr := d.secrets[route]
	if !or && !sr {
		return &RouteNotFoundError{Route: route}
	}
	delete(d.routes, route)
	delete(d.secrets, route)
	return nil
}

// Listen adds fn to the listeners for the named event and returns a function
// that removes exactly this registration. Multiple listeners may share one
// event name; registration order is preserved.
func (d *dispatcher) Listen(event string, fn Listener) (remove func()) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.nextReg++
	id := d.nextReg
	d.events[event] = append(d.events[event], listenReg{id: id, fn: fn})
	return func() { d.unlistenID(event, id) }
}

func (d *dispatcher) unlistenID(event string, id uint64) {
	d.μ.Lock()
	defer d.μ.Unlock()
	regs := d.events[event]
	for i, reg := range regs {
		if reg.id == id {
			d.events[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Unlisten removes all listeners for the named event. It reports a
// ListenerNotFoundError if none are registered.
func (d *dispatcher) Unlisten(event string) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	if len(d.events[event]) == 0 {
		return &ListenerNotFoundError{Event: event}
	}
	delete(d.events, event)
	return nil
}

// dispatch schedules every listener registered for event as an independent
// task and returns without waiting. A listener panic is logged and discarded;
// it neither reaches the caller nor cancels sibling listeners.
func (d *dispatcher) dispatch(event string, args ...any) {
	d.μ.Lock()
	regs := d.events[event]
	d.μ.Unlock()

	for _, reg := range regs {
		fn := reg.fn
		d.spawn(func() {
			defer func() {
				if x := recover(); x != nil {
					d.log.Warn("listener panicked (recovered)",
						zap.String("event", event), zap.Any("panic", x))
				}
			}()
			fn(args...)
		})
	}
}

// runRoute invokes the handler for the request envelope env, selecting the
// secret or ordinary namespace per the envelope's secret flag. The handler
// runs on the calling goroutine, which is never the frame loop. A handler
// panic is recovered and reported as an error.
func (d *dispatcher) runRoute(ctx context.Context, env *Envelope) (result any, err error) {
	d.μ.Lock()
	table := d.routes
	if env.Secret {
		table = d.secrets
	}
	handler, ok := table[env.Route]
	d.μ.Unlock()
	if !ok {
		return nil, &RouteNotFoundError{Route: env.Route}
	}

	defer func() {
		if x := recover(); x != nil {
			result = nil
			err = &ErrorInfo{Kind: errKindHandlerPanic, Message: fmt.Sprint(x)}
		}
	}()
	return handler(ctx, &Request{
		Source: env.Source,
		Route:  env.Route,
		Args:   env.Args,
		Kwargs: env.Kwargs,
	})
}
