package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/pkg/value"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/target/targettest"
	"github.com/chazu/fnbridge/unit"
)

type stubEnv struct {
	ctx   context.Context
	slots map[string]target.Handle
	dv    *value.DispatchVector
}

func newStubEnv(p target.Presenter) *stubEnv {
	ctx := context.Background()
	if p != nil {
		ctx = target.With(ctx, p)
	}
	return &stubEnv{ctx: ctx, slots: map[string]target.Handle{}, dv: &value.DispatchVector{Package: "demo"}}
}

func (e *stubEnv) Context() context.Context { return e.ctx }
func (e *stubEnv) Owner() string { return "demo.Calc" }
func (e *stubEnv) LoadSlot(name string) target.Handle { return e.slots[name] }
func (e *stubEnv) StoreSlot(name string, h target.Handle) { e.slots[name] = h }
func (e *stubEnv) DispatchVector() *value.DispatchVector { return e.dv }
func (e *stubEnv) Classes() value.ClassResolver { return nil }
func (e *stubEnv) Fallback() (any, error) { return "fallback", nil }

func site(t *testing.T, member, desc string, mk *unit.Marker) Site {
	t.Helper()
	m, err := descriptor.ParseMethod(desc)
	if err != nil {
		t.Fatal(err)
	}
	return Site{
		CallSite: unit.CallSite{Type: "demo.Calc", Member: member},
		Method:   m,
		Static:   true,
		Marker:   mk,
	}
}

func generate(t *testing.T, s Site, opts Options) *bytecode.Chunk {
	t.Helper()
	stub, err := Generate(s, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return stub.Chunk
}

func sumPresenter() *targettest.Presenter {
	return targettest.New(func(_ target.Definition, args []any) (any, error) {
		return value.Double(float64(args[0].(value.Int)) + float64(args[1].(value.Int))), nil
	})
}

func TestGenerateSumCachesHandle(t *testing.T) {
	for _, policy := range []CheckPolicy{CheckCold, CheckEveryCall} {
		c := generate(t, site(t, "sum", "(II)I", unit.NewMarker("return a + b;", "a", "b")), Options{Policy: policy})
		p := sumPresenter()
		env := newStubEnv(p)

		for i := 0; i < 2; i++ {
			got, err := bytecode.Run(c, env, bytecode.Frame{Params: []any{int32(40), int32(2)}})
			if err != nil {
				t.Fatalf("%v: %v", policy, err)
			}
			if got != int32(42) {
				t.Errorf("%v: got %#v, want int32(42)", policy, got)
			}
		}
		if p.Creates() != 1 {
			t.Errorf("%v: %d handles created, want 1", policy, p.Creates())
		}
		if _, ok := env.slots["$$fn$$sum_0"]; !ok {
			t.Errorf("%v: slot not filled", policy)
		}
		if every := c.Flags&bytecode.ChunkFlagCheckEveryCall != 0; every != (policy == CheckEveryCall) {
			t.Errorf("%v: check-every-call flag = %v", policy, every)
		}
	}
}

func TestGenerateNoPresenter(t *testing.T) {
	for _, policy := range []CheckPolicy{CheckCold, CheckEveryCall} {
		c := generate(t, site(t, "sum", "(II)I", unit.NewMarker("return a + b;", "a", "b")), Options{Policy: policy})
		_, err := bytecode.Run(c, newStubEnv(nil), bytecode.Frame{Params: []any{"x", "y"}})
		if !errors.Is(err, bytecode.ErrNoActiveTarget) {
			t.Errorf("%v: err = %v, want ErrNoActiveTarget", policy, err)
		}
	}
}

func TestGenerateFallback(t *testing.T) {
	s := site(t, "sum", "(II)I", unit.NewMarker("return a + b;", "a", "b"))
	s.Fallback = true
	c := generate(t, s, Options{})
	got, err := bytecode.Run(c, newStubEnv(nil), bytecode.Frame{Params: []any{int32(1), int32(2)}})
	if err != nil || got != "fallback" {
		t.Errorf("got %v, %v", got, err)
	}
	if c.Flags&bytecode.ChunkFlagHasFallback == 0 {
		t.Error("fallback flag not set")
	}
}

func TestGenerateAsync(t *testing.T) {
	mk := unit.NewMarker("console.log(msg);", "msg")
	mk.Synchronous = false
	c := generate(t, site(t, "log", "(Ljava/lang/String;)V", mk), Options{})
	p := targettest.NewIdentity()
	env := newStubEnv(p)
	for i := 0; i < 2; i++ {
		if got, err := bytecode.Run(c, env, bytecode.Frame{Params: []any{"hi"}}); err != nil || got != nil {
			t.Fatalf("call %d: %v, %v", i, got, err)
		}
	}
	if n := len(p.AsyncCalls()); n != 2 {
		t.Errorf("InvokeAsync called %d times, want 2", n)
	}
	if p.Invokes() != 0 {
		t.Errorf("Invoke called %d times, want 0", p.Invokes())
	}
}

func TestGenerateBoolReturn(t *testing.T) {
	for _, tt := range []struct {
		result any
		want   bool
	}{{nil, false}, {value.Bool(true), true}, {value.Bool(false), false}} {
		c := generate(t, site(t, "ok", "()Z", unit.NewMarker("return x;")), Options{})
		got, err := bytecode.Run(c, newStubEnv(targettest.New(targettest.Const(tt.result))), bytecode.Frame{})
		if err != nil || got != tt.want {
			t.Errorf("result %#v: got %v, %v; want %v", tt.result, got, err, tt.want)
		}
	}
}

func TestGenerateReferenceReturn(t *testing.T) {
	c := generate(t, site(t, "name", "()Ljava/lang/String;", unit.NewMarker("return 'x';")), Options{})
	got, err := bytecode.Run(c, newStubEnv(targettest.New(targettest.Const("x"))), bytecode.Frame{})
	if err != nil || got != "x" {
		t.Errorf("got %v, %v", got, err)
	}
	_, err = bytecode.Run(c, newStubEnv(targettest.New(targettest.Const(value.Int(1)))), bytecode.Frame{})
	if !errors.Is(err, value.ErrMarshal) {
		t.Errorf("err = %v, want ErrMarshal", err)
	}
}

func TestGenerateInstanceMember(t *testing.T) {
	s := site(t, "describe", "(J)Ljava/lang/Object;", unit.NewMarker("return this.name + n;", "n"))
	s.Static = false
	c := generate(t, s, Options{})
	p := targettest.New(func(_ target.Definition, args []any) (any, error) { return args, nil })
	got, err := bytecode.Run(c, newStubEnv(p), bytecode.Frame{Self: "recv", Params: []any{int64(7)}})
	if err != nil {
		t.Fatal(err)
	}
	args := got.([]any)
	if len(args) != 2 || args[0] != "recv" || args[1] != value.Long(7) {
		t.Errorf("args = %#v", args)
	}
	if def := p.Definitions()[0]; !def.Receiver || len(def.Args) != 1 {
		t.Errorf("definition = %+v", def)
	}
}

func TestGeneratePreload(t *testing.T) {
	s := site(t, "sum", "(II)I", unit.NewMarker("return a + b;", "a", "b"))
	s.Resource = "calc.js"
	c := generate(t, s, Options{})
	p := sumPresenter()
	env := newStubEnv(p)
	for i := 0; i < 2; i++ {
		if _, err := bytecode.Run(c, env, bytecode.Frame{Params: []any{int32(1), int32(1)}}); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Preloads(); len(got) != 1 || got[0] != "demo.Calc:calc.js" {
		t.Errorf("preloads = %v", got)
	}
}

func TestGenerateCallbackMode(t *testing.T) {
	mk := unit.NewMarker("return self.@demo.Calc::twice(I)(x);", "self", "x")
	mk.CallbackMode = true
	s := site(t, "apply", "(Ljava/lang/Object;I)I", mk)
	stub, err := Generate(s, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stub.Body, "vm.raw$demo_Calc$twice$I(self,x)") {
		t.Errorf("body = %q", stub.Body)
	}
	if got := stub.Args; len(got) != 3 || got[2] != unit.VectorArg {
		t.Errorf("args = %v", got)
	}
	if len(stub.Callbacks) != 1 || !stub.Callbacks[0].Raw {
		t.Errorf("callbacks = %+v", stub.Callbacks)
	}

	p := targettest.New(func(_ target.Definition, args []any) (any, error) {
		if _, ok := args[2].(*value.DispatchVector); !ok {
			t.Errorf("last argument is %T, want dispatch vector", args[2])
		}
		return value.Int(0), nil
	})
	if _, err := bytecode.Run(stub.Chunk, newStubEnv(p), bytecode.Frame{Params: []any{nil, int32(3)}}); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateInvalidSites(t *testing.T) {
	async := unit.NewMarker("return 1;")
	async.Synchronous = false
	vmFirst := unit.NewMarker("x", "vm", "a")
	vmFirst.CallbackMode = true
	badRef := unit.NewMarker("@demo.Calc::f(", "a")
	badRef.CallbackMode = true

	tests := []struct {
		name string
		desc string
		mk   *unit.Marker
	}{
		{"empty body", "()V", unit.NewMarker("")},
		{"async non-void", "()I", async},
		{"arg count", "(II)I", unit.NewMarker("x", "a")},
		{"duplicate arg", "(II)I", unit.NewMarker("x", "a", "a")},
		{"vm without callback", "(I)V", unit.NewMarker("x", "a", "vm")},
		{"vm not last", "(I)V", vmFirst},
		{"bad callback", "(I)V", badRef},
	}
	for _, tt := range tests {
		if _, err := Generate(site(t, "f", tt.desc, tt.mk), Options{}); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestMarshalerRejectsVoidParam(t *testing.T) {
	err := Marshaler{}.Param(bytecode.NewChunk(), descriptor.Type{Kind: descriptor.Void})
	if !errors.Is(err, descriptor.ErrVoidParam) {
		t.Errorf("err = %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]CheckPolicy{"": CheckCold, "cold": CheckCold, "every-call": CheckEveryCall} {
		if got, err := ParsePolicy(s); err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error")
	}
}
