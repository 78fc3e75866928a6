package handler

import (
	"errors"
	"testing"

	"github.com/tolchain/tolchain/core"
)

func TestRegistryExactMatch(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(Key{Contract: "native", Scope: "token", Action: "transfer"},
		func(msg core.Message) error { called = true; return nil },
		func(ctx *Context, msg core.Message) error { return nil },
		func(ctx *Context, msg core.Message) error { return nil },
	)

	if err := r.Validate(Key{Contract: "native", Scope: "token", Action: "transfer"}, core.Message{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected exact-match validate to be invoked")
	}
}

func TestRegistryWildcardFallback(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(Key{Contract: Wildcard, Scope: "market", Action: "list"},
		func(msg core.Message) error { called = true; return nil },
		func(ctx *Context, msg core.Message) error { return nil },
		func(ctx *Context, msg core.Message) error { return nil },
	)

	if err := r.Validate(Key{Contract: "someapp", Scope: "market", Action: "list"}, core.Message{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected wildcard fallback to be invoked for an unregistered contract")
	}
}

func TestRegistryMissingHandler(t *testing.T) {
	r := NewRegistry()
	err := r.Validate(Key{Contract: "nobody", Scope: "x", Action: "y"}, core.Message{})
	if err == nil {
		t.Fatalf("expected error for unregistered handler")
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	noop := func(core.Message) error { return nil }
	noopCtx := func(*Context, core.Message) error { return nil }
	r.Register(Key{Contract: "native", Scope: "token", Action: "transfer"}, noop, noopCtx, noopCtx)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register(Key{Contract: "native", Scope: "token", Action: "transfer"}, noop, noopCtx, noopCtx)
}

func TestPreconditionValidatePropagatesError(t *testing.T) {
	r := NewRegistry()
	wantErr := errors.New("insufficient balance")
	r.Register(Key{Contract: "native", Scope: "token", Action: "transfer"},
		func(core.Message) error { return nil },
		func(*Context, core.Message) error { return wantErr },
		func(*Context, core.Message) error { return nil },
	)
	err := r.PreconditionValidate(Key{Contract: "native", Scope: "token", Action: "transfer"}, &Context{}, core.Message{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}
