// Package handler provides adapters to the patchbay.Handler type for
// functions with typed signatures.
//
// Route arguments travel as arbitrary decoded values (the output of the
// endpoint's codec), so the adapters re-encode each argument through JSON to
// convert it into the parameter type the wrapped function expects. Parameter
// and result types may be anything encoding/json can round-trip.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patchbay-rpc/patchbay"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a function wrapped
// by this package has this value.
func ContextRequest(ctx context.Context) *patchbay.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*patchbay.Request)
	}
	return nil
}

// Args0 adapts a function taking no arguments to a patchbay.Handler.
func Args0[R any](f func(context.Context) (R, error)) patchbay.Handler {
	return func(ctx context.Context, req *patchbay.Request) (any, error) {
		return f(withRequest(ctx, req))
	}
}

// Args1 adapts a function taking one positional argument of type A to a
// patchbay.Handler.
func Args1[A, R any](f func(context.Context, A) (R, error)) patchbay.Handler {
	return func(ctx context.Context, req *patchbay.Request) (any, error) {
		a, err := argAt[A](req, 0)
		if err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), a)
	}
}

// Args2 adapts a function taking two positional arguments of types A and B
// to a patchbay.Handler.
func Args2[A, B, R any](f func(context.Context, A, B) (R, error)) patchbay.Handler {
	return func(ctx context.Context, req *patchbay.Request) (any, error) {
		a, err := argAt[A](req, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAt[B](req, 1)
		if err != nil {
			return nil, err
		}
		return f(withRequest(ctx, req), a, b)
	}
}

// KW adapts a function taking a keyword-argument struct of type T to a
// patchbay.Handler. The request's kwargs mapping is decoded into T by its
// JSON field names.
func KW[T, R any](f func(context.Context, T) (R, error)) patchbay.Handler {
	return func(ctx context.Context, req *patchbay.Request) (any, error) {
		var kw T
		if err := recode(req.Kwargs, &kw); err != nil {
			return nil, fmt.Errorf("keyword arguments: %w", err)
		}
		return f(withRequest(ctx, req), kw)
	}
}

func withRequest(ctx context.Context, req *patchbay.Request) context.Context {
	return context.WithValue(ctx, reqContextKey{}, req)
}

func argAt[T any](req *patchbay.Request, i int) (T, error) {
	var out T
	if i >= len(req.Args) {
		return out, fmt.Errorf("missing argument %d", i)
	}
	if err := recode(req.Args[i], &out); err != nil {
		return out, fmt.Errorf("argument %d: %w", i, err)
	}
	return out, nil
}

// recode converts a decoded wire value into the concrete type of out by
// round-tripping it through JSON.
func recode(v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
