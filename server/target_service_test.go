package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/fnbridge/pkg/value"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/target/targettest"
)

func bg() context.Context { return context.Background() }

func connectReq(fields map[string]any) *connect.Request[structpb.Struct] {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	return connect.NewRequest(s)
}

func newTestService() (*TargetService, *targettest.Presenter, *HandleStore) {
	p := targettest.New(func(def target.Definition, args []any) (any, error) {
		if def.Body == "fail" {
			return nil, errors.New("boom")
		}
		return args, nil
	})
	handles := NewHandleStore()
	return NewTargetService(p, handles), p, handles
}

func createHandle(t *testing.T, svc *TargetService, body string) string {
	t.Helper()
	resp, err := svc.CreateHandle(bg(), connectReq(map[string]any{
		"owner":    "demo.Calc",
		"body":     body,
		"args":     []any{"a", "b"},
		"retained": true,
		"receiver": true,
	}))
	if err != nil {
		t.Fatalf("CreateHandle: %v", err)
	}
	id := resp.Msg.GetStringValue()
	if id == "" {
		t.Fatal("CreateHandle returned no id")
	}
	return id
}

func TestCreateHandle_PassesDefinition(t *testing.T) {
	svc, p, handles := newTestService()
	createHandle(t, svc, "return a + b;")

	defs := p.Definitions()
	if len(defs) != 1 {
		t.Fatalf("presenter saw %d definitions", len(defs))
	}
	d := defs[0]
	if d.Owner != "demo.Calc" || d.Body != "return a + b;" || !d.Retained || !d.Receiver {
		t.Errorf("definition = %+v", d)
	}
	if len(d.Args) != 2 || d.Args[0] != "a" || d.Args[1] != "b" {
		t.Errorf("args = %v", d.Args)
	}
	if handles.Len() != 1 {
		t.Errorf("store holds %d handles", handles.Len())
	}
}

func TestCreateHandle_RequiresBody(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.CreateHandle(bg(), connectReq(map[string]any{"owner": "demo.Calc"}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}

func TestInvoke_RoundTripsValues(t *testing.T) {
	svc, _, _ := newTestService()
	id := createHandle(t, svc, "echo")

	args, err := EncodeArgs([]any{value.Int(7), value.Long(1 << 60), "x"})
	if err != nil {
		t.Fatal(err)
	}
	req := connect.NewRequest(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":   structpb.NewStringValue(id),
		"args": args,
	}})
	resp, err := svc.Invoke(bg(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got, err := DecodeValue(resp.Msg)
	if err != nil {
		t.Fatal(err)
	}
	list, ok := got.([]any)
	if !ok || len(list) != 3 || list[0] != value.Int(7) || list[1] != value.Long(1<<60) || list[2] != "x" {
		t.Errorf("got %#v", got)
	}
}

func TestInvoke_UnknownHandle(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Invoke(bg(), connectReq(map[string]any{"id": "h-missing"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("code = %v, want NotFound", connect.CodeOf(err))
	}
	_, err = svc.Invoke(bg(), connectReq(map[string]any{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}

func TestInvoke_PresenterFailure(t *testing.T) {
	svc, _, _ := newTestService()
	id := createHandle(t, svc, "fail")
	_, err := svc.Invoke(bg(), connectReq(map[string]any{"id": id}))
	if connect.CodeOf(err) != connect.CodeAborted {
		t.Errorf("code = %v, want Aborted", connect.CodeOf(err))
	}
}

func TestInvokeAsync_Schedules(t *testing.T) {
	svc, p, _ := newTestService()
	id := createHandle(t, svc, "echo")
	if _, err := svc.InvokeAsync(bg(), connectReq(map[string]any{"id": id, "args": []any{"hi"}})); err != nil {
		t.Fatal(err)
	}
	calls := p.AsyncCalls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0] != "hi" {
		t.Errorf("async calls = %v", calls)
	}
}

func TestPreloadAndRunScript(t *testing.T) {
	svc, p, _ := newTestService()
	id := createHandle(t, svc, "echo")

	if _, err := svc.Preload(bg(), connectReq(map[string]any{"id": id, "owner": "demo.Calc", "path": "lib.js"})); err != nil {
		t.Fatal(err)
	}
	if got := p.Preloads(); len(got) != 1 || got[0] != "demo.Calc:lib.js" {
		t.Errorf("preloads = %v", got)
	}
	if _, err := svc.Preload(bg(), connectReq(map[string]any{"id": id})); connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("Preload without path: %v", err)
	}

	if _, err := svc.RunScript(bg(), connectReq(map[string]any{"text": "var x = 1;"})); err != nil {
		t.Fatal(err)
	}
	if got := p.Scripts(); len(got) != 1 || got[0] != "var x = 1;" {
		t.Errorf("scripts = %v", got)
	}
}

// reloading returns a fresh handle from every preload.
type reloading struct{ *targettest.Presenter }

func (p reloading) Preload(ctx context.Context, h target.Handle, owner, path string) (target.Handle, error) {
	if _, err := p.Presenter.Preload(ctx, h, owner, path); err != nil {
		return nil, err
	}
	return p.CreateHandle(target.Definition{Owner: owner, Body: "preloaded"})
}

func TestPreload_StoresReturnedHandle(t *testing.T) {
	p := targettest.NewIdentity()
	handles := NewHandleStore()
	svc := NewTargetService(reloading{p}, handles)
	id := createHandle(t, svc, "echo")

	resp, err := svc.Preload(bg(), connectReq(map[string]any{"id": id, "owner": "demo.Calc", "path": "lib.js"}))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Msg.GetStringValue(); got != id {
		t.Errorf("Preload returned id %q, want %q", got, id)
	}
	h, ok := handles.Lookup(id)
	if !ok {
		t.Fatal("handle gone after preload")
	}
	if th, ok := h.(*targettest.Handle); !ok || th.Def.Body != "preloaded" {
		t.Errorf("stored handle = %#v, want the preloaded one", h)
	}
	if handles.Len() != 1 {
		t.Errorf("store holds %d handles, want 1", handles.Len())
	}
}

func TestRelease(t *testing.T) {
	svc, _, handles := newTestService()
	id := createHandle(t, svc, "echo")
	if _, err := svc.Release(bg(), connectReq(map[string]any{"id": id})); err != nil {
		t.Fatal(err)
	}
	if handles.Len() != 0 {
		t.Errorf("store holds %d handles after release", handles.Len())
	}
	if _, err := svc.Invoke(bg(), connectReq(map[string]any{"id": id})); connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("invoke after release: %v", err)
	}
}

func TestHandleStore_SweepKeepsRetained(t *testing.T) {
	s := NewHandleStore()
	p := targettest.NewIdentity()
	h, _ := p.CreateHandle(target.Definition{})

	pinned := s.Create(h, "demo.Calc", true)
	idle := s.Create(h, "demo.Calc", false)

	time.Sleep(5 * time.Millisecond)
	if n := s.Sweep(time.Millisecond); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, ok := s.Lookup(pinned); !ok {
		t.Error("retained handle was swept")
	}
	if _, ok := s.Lookup(idle); ok {
		t.Error("idle handle survived")
	}
	if pinned == idle {
		t.Error("ids collide")
	}
}

func TestHandleStore_StartSweeper(t *testing.T) {
	s := NewHandleStore()
	h, _ := targettest.NewIdentity().CreateHandle(target.Definition{})
	s.Create(h, "demo.Calc", false)

	stop := s.StartSweeper(time.Millisecond, time.Millisecond)
	defer stop()
	deadline := time.Now().Add(5 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Len() != 0 {
		t.Error("sweeper did not remove the idle handle")
	}
	stop()
}
