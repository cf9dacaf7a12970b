package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/fnbridge/target"
)

// ServiceName is the fully-qualified name of the target service.
const ServiceName = "fnbridge.v1.TargetService"

// Procedure paths of the target service.
const (
	CreateHandleProcedure = "/" + ServiceName + "/CreateHandle"
	InvokeProcedure       = "/" + ServiceName + "/Invoke"
	InvokeAsyncProcedure  = "/" + ServiceName + "/InvokeAsync"
	PreloadProcedure      = "/" + ServiceName + "/Preload"
	RunScriptProcedure    = "/" + ServiceName + "/RunScript"
	ReleaseProcedure      = "/" + ServiceName + "/Release"
)

// TargetService exposes a presenter over Connect. Requests are structs;
// responses are single values.
type TargetService struct {
	presenter target.Presenter
	handles   *HandleStore
}

// NewTargetService creates a TargetService.
func NewTargetService(p target.Presenter, handles *HandleStore) *TargetService {
	return &TargetService{presenter: p, handles: handles}
}

type unary = func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Value], error)

// NewTargetServiceHandler builds an HTTP handler serving every procedure
// of svc. It returns the path prefix to mount it on.
func NewTargetServiceHandler(svc *TargetService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	for path, fn := range map[string]unary{
		CreateHandleProcedure: svc.CreateHandle,
		InvokeProcedure:       svc.Invoke,
		InvokeAsyncProcedure:  svc.InvokeAsync,
		PreloadProcedure:      svc.Preload,
		RunScriptProcedure:    svc.RunScript,
		ReleaseProcedure:      svc.Release,
	} {
		mux.Handle(path, connect.NewUnaryHandler(path, fn, opts...))
	}
	return "/" + ServiceName + "/", mux
}

func field(req *connect.Request[structpb.Struct], name string) *structpb.Value {
	return req.Msg.GetFields()[name]
}

func (s *TargetService) lookup(req *connect.Request[structpb.Struct]) (target.Handle, string, error) {
	id := field(req, "id").GetStringValue()
	if id == "" {
		return nil, "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id is required"))
	}
	h, ok := s.handles.Lookup(id)
	if !ok {
		return nil, id, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
	}
	return h, id, nil
}

// targetError maps a presenter failure to a Connect error.
func targetError(err error) error {
	if errors.Is(err, target.ErrForeignHandle) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeAborted, err)
}

func null() *connect.Response[structpb.Value] {
	return connect.NewResponse(structpb.NewNullValue())
}

// CreateHandle defines a function. Request: {owner, body, args, retained,
// receiver}. Response: the handle ID.
func (s *TargetService) CreateHandle(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	def := target.Definition{
		Owner:    field(req, "owner").GetStringValue(),
		Body:     field(req, "body").GetStringValue(),
		Retained: field(req, "retained").GetBoolValue(),
		Receiver: field(req, "receiver").GetBoolValue(),
	}
	if def.Body == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("body is required"))
	}
	for _, a := range field(req, "args").GetListValue().GetValues() {
		def.Args = append(def.Args, a.GetStringValue())
	}

	h, err := s.presenter.CreateHandle(def)
	if err != nil {
		return nil, targetError(err)
	}
	id := s.handles.Create(h, def.Owner, def.Retained)
	log.Debugf("created handle %s for %s", id, def.Owner)
	return connect.NewResponse(structpb.NewStringValue(id)), nil
}

// Invoke calls a handle. Request: {id, args}. Response: the result.
func (s *TargetService) Invoke(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	h, _, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	args, err := DecodeArgs(field(req, "args"))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	res, err := s.presenter.Invoke(ctx, h, args)
	if err != nil {
		return nil, targetError(err)
	}
	out, err := EncodeValue(res)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// InvokeAsync schedules a call. Request: {id, args}.
func (s *TargetService) InvokeAsync(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	h, _, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	args, err := DecodeArgs(field(req, "args"))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	s.presenter.InvokeAsync(h, args)
	return null(), nil
}

// Preload loads a resource for a handle. Request: {id, owner, path}.
// Response: the ID of the preloaded handle. A handle returned by the
// presenter replaces the stored one under the same ID.
func (s *TargetService) Preload(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	h, id, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	path := field(req, "path").GetStringValue()
	if path == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("path is required"))
	}
	loaded, err := s.presenter.Preload(ctx, h, field(req, "owner").GetStringValue(), path)
	if err != nil {
		return nil, targetError(err)
	}
	if loaded != nil && loaded != h && !s.handles.Replace(id, loaded) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q released during preload", id))
	}
	return connect.NewResponse(structpb.NewStringValue(id)), nil
}

// RunScript runs text in the presenter. Request: {text}.
func (s *TargetService) RunScript(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	if err := s.presenter.RunScript(ctx, field(req, "text").GetStringValue()); err != nil {
		return nil, targetError(err)
	}
	return null(), nil
}

// Release drops a handle. Request: {id}. Unknown IDs are not an error.
func (s *TargetService) Release(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Value], error) {
	id := field(req, "id").GetStringValue()
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id is required"))
	}
	s.handles.Release(id)
	return null(), nil
}
