package handler_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/patchbay-rpc/patchbay"
	"github.com/patchbay-rpc/patchbay/handler"
)

func TestAdapters(t *testing.T) {
	ctx := context.Background()

	t.Run("Args0", func(t *testing.T) {
		h := handler.Args0(func(context.Context) (string, error) {
			return "fixed", nil
		})
		got, err := h(ctx, &patchbay.Request{Route: "fixed"})
		if err != nil || got != "fixed" {
			t.Errorf("Handler: got (%v, %v), want (fixed, nil)", got, err)
		}
	})

	t.Run("Args1", func(t *testing.T) {
		h := handler.Args1(func(_ context.Context, s string) (string, error) {
			return strings.ToUpper(s), nil
		})
		got, err := h(ctx, &patchbay.Request{Args: []any{"shout"}})
		if err != nil || got != "SHOUT" {
			t.Errorf("Handler: got (%v, %v), want (SHOUT, nil)", got, err)
		}
	})

	t.Run("Args2", func(t *testing.T) {
		h := handler.Args2(func(_ context.Context, a, b float64) (float64, error) {
			return a + b, nil
		})
		// Wire decoding produces float64 for JSON numbers.
		got, err := h(ctx, &patchbay.Request{Args: []any{float64(3), float64(4)}})
		if err != nil || got != float64(7) {
			t.Errorf("Handler: got (%v, %v), want (7, nil)", got, err)
		}
	})

	t.Run("StructArg", func(t *testing.T) {
		type point struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		h := handler.Args1(func(_ context.Context, p point) (point, error) {
			return point{X: p.Y, Y: p.X}, nil
		})
		// A decoded wire value arrives as map[string]any and must recode
		// into the declared parameter type.
		got, err := h(ctx, &patchbay.Request{Args: []any{
			map[string]any{"x": float64(1), "y": float64(2)},
		}})
		if err != nil {
			t.Fatalf("Handler: unexpected error: %v", err)
		}
		if diff := cmp.Diff(point{X: 2, Y: 1}, got); diff != "" {
			t.Errorf("Wrong result (-want, +got):\n%s", diff)
		}
	})

	t.Run("KW", func(t *testing.T) {
		type opts struct {
			Name  string `json:"name"`
			Loud  bool   `json:"loud"`
			Times int    `json:"times"`
		}
		h := handler.KW(func(_ context.Context, o opts) (string, error) {
			s := "hi " + o.Name
			if o.Loud {
				s = strings.ToUpper(s)
			}
			return strings.Repeat(s, o.Times), nil
		})
		got, err := h(ctx, &patchbay.Request{Kwargs: map[string]any{
			"name": "bob", "loud": true, "times": float64(2),
		}})
		if err != nil || got != "HI BOBHI BOB" {
			t.Errorf("Handler: got (%v, %v), want (HI BOBHI BOB, nil)", got, err)
		}
	})

	t.Run("MissingArg", func(t *testing.T) {
		h := handler.Args1(func(_ context.Context, s string) (string, error) {
			return s, nil
		})
		if got, err := h(ctx, &patchbay.Request{}); err == nil {
			t.Errorf("Handler: got %v, want error for missing argument", got)
		}
	})

	t.Run("WrongType", func(t *testing.T) {
		h := handler.Args1(func(_ context.Context, n int) (int, error) {
			return n, nil
		})
		if got, err := h(ctx, &patchbay.Request{Args: []any{"not a number"}}); err == nil {
			t.Errorf("Handler: got %v, want error for type mismatch", got)
		}
	})
}

func TestContextRequest(t *testing.T) {
	req := &patchbay.Request{Source: "alice", Route: "probe"}
	h := handler.Args0(func(ctx context.Context) (string, error) {
		got := handler.ContextRequest(ctx)
		if got != req {
			t.Errorf("ContextRequest: got %+v, want %+v", got, req)
		}
		return string(got.Source), nil
	})
	got, err := h(context.Background(), req)
	if err != nil || got != "alice" {
		t.Errorf("Handler: got (%v, %v), want (alice, nil)", got, err)
	}

	if got := handler.ContextRequest(context.Background()); got != nil {
		t.Errorf("ContextRequest on bare context: got %+v, want nil", got)
	}
}
