// Package server exposes a presenter to other processes over Connect
// (HTTP/JSON and binary protobuf on the same port).
package server

import (
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/fnbridge/target"
)

var log = commonlog.GetLogger("fnbridge.server")

// TargetServer wraps a presenter.
type TargetServer struct {
	presenter target.Presenter
	handles   *HandleStore
	mux       *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a TargetServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	ttl           time.Duration
	handlerOpts   []connect.HandlerOption
}

// WithHandleTTL sets how long unretained handles survive without use, and
// how often the store is swept.
func WithHandleTTL(ttl, interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.ttl = ttl
		c.sweepInterval = interval
	}
}

// WithHandlerOptions passes options to every Connect handler.
func WithHandlerOptions(opts ...connect.HandlerOption) ServerOption {
	return func(c *serverConfig) { c.handlerOpts = append(c.handlerOpts, opts...) }
}

// New creates a TargetServer for p.
func New(p target.Presenter, opts ...ServerOption) *TargetServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		ttl:           30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handles := NewHandleStore()
	s := &TargetServer{
		presenter: p,
		handles:   handles,
		mux:       http.NewServeMux(),
	}

	path, handler := NewTargetServiceHandler(NewTargetService(p, handles), cfg.handlerOpts...)
	s.mux.Handle(path, handler)

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.ttl)
	return s
}

// Handler returns the HTTP handler serving the target service.
func (s *TargetServer) Handler() http.Handler { return s.mux }

// Handles returns the server's handle store.
func (s *TargetServer) Handles() *HandleStore { return s.handles }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *TargetServer) ListenAndServe(addr string) error {
	log.Noticef("presenter %s listening on %s", s.presenter.ID(), addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, InvokeProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the sweeper.
func (s *TargetServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
}
