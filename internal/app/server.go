package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/api"
	"github.com/zoravur/pipeline-bridge/internal/logbus"
	"github.com/zoravur/pipeline-bridge/internal/logutil"
	"github.com/zoravur/pipeline-bridge/internal/metrics"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
	"github.com/zoravur/pipeline-bridge/internal/protocol"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

// BindError reports that the listener could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

const defaultShutdownTimeout = 5 * time.Second

type Options struct {
	Log *zap.Logger
	// Logs backs the control panel's log stream. The caller is expected to
	// tee Logs.Core into Log.
	Logs      *logbus.Bus
	Persister pipeline.Persister
	History   api.HistorySource
	// Metrics registers collectors and serves /metrics when non-nil.
	Metrics         *prometheus.Registry
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	Version         string
}

// Server owns the listener and the shared store and registry. Start and
// Stop may be called from any goroutine.
type Server struct {
	opts     Options
	log      *zap.Logger
	store    *pipeline.Store
	registry *protocol.Registry
	router   *protocol.Router
	handlers *api.PipelineHandlers
	metrics  *metrics.Collector

	state atomic.Int32

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	ws         *api.WSHandler
	done       chan struct{}
	served     chan struct{}
	stopped    chan struct{}
}

func NewServer(opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log := logutil.OrGlobal(opts.Log)

	s := &Server{
		opts:     opts,
		log:      log,
		store:    pipeline.NewStore(),
		registry: protocol.NewRegistry(),
	}

	var routerOpts []protocol.RouterOption
	if opts.Metrics != nil {
		s.metrics = metrics.New(opts.Metrics, s.store)
		routerOpts = append(routerOpts, protocol.WithObserver(s.metrics))
	}
	s.router = protocol.NewRouter(log, routerOpts...)

	s.handlers = &api.PipelineHandlers{
		Store:     s.store,
		Registry:  s.registry,
		Persister: opts.Persister,
		Metrics:   s.metrics,
		Log:       log,
		Version:   opts.Version,
	}
	s.handlers.Register(s.router)
	return s
}

func (s *Server) Store() *pipeline.Store { return s.store }

func (s *Server) State() State { return State(s.state.Load()) }

// Addr returns the bound listener address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds host:port and begins accepting. It returns once the listener
// is live. Port 0 picks a free port; see Addr.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyRunning
	}
	s.state.Store(int32(StateStarting))

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		s.log.Error("bridge server failed to start", zap.String("addr", addr), zap.Error(err))
		return &BindError{Addr: addr, Err: err}
	}

	s.done = make(chan struct{})
	s.served = make(chan struct{})
	s.ws = &api.WSHandler{
		Registry:     s.registry,
		Router:       s.router,
		Metrics:      s.metrics,
		Log:          s.log,
		WriteTimeout: s.opts.WriteTimeout,
	}
	deps := api.Deps{
		WS: s.ws,
		Panel: &api.Panel{
			Store:     s.store,
			Pipelines: s.handlers,
			History:   s.opts.History,
			Logs:      s.opts.Logs,
			Done:      s.done,
		},
		Status: s.Status,
		Log:    s.log,
	}
	if s.opts.Metrics != nil {
		deps.Gatherer = s.opts.Metrics
	}
	s.httpServer = &http.Server{
		Handler:           api.SetupRoutes(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = ln

	go func(srv *http.Server, served chan struct{}) {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}(s.httpServer, s.served)

	s.state.Store(int32(StateRunning))
	s.log.Info("bridge server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Run blocks until ctx is cancelled or the server is stopped. Cancelling
// ctx stops the server.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	running := s.State() == StateRunning
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-done:
		return nil
	}
}

// Stop closes the listener, asks connected editors to disconnect and waits
// up to ShutdownTimeout for their handlers to finish before closing the
// rest. It is idempotent; concurrent callers wait for the same shutdown.
func (s *Server) Stop() error {
	s.mu.Lock()
	switch s.State() {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStopping:
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		return nil
	}
	s.state.Store(int32(StateStopping))
	s.stopped = make(chan struct{})
	srv, ws, done, served, stopped := s.httpServer, s.ws, s.done, s.served, s.stopped
	s.mu.Unlock()

	s.log.Info("bridge server stopping", zap.Int("clients", s.registry.Len()))
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	var err error
	if serr := srv.Shutdown(ctx); serr != nil {
		s.log.Warn("HTTP shutdown incomplete", zap.Error(serr))
		err = srv.Close()
	}
	if werr := ws.Shutdown(ctx); werr != nil {
		s.log.Warn("editor connections closed after timeout", zap.Error(werr))
	}
	<-served

	s.mu.Lock()
	s.httpServer, s.listener, s.ws = nil, nil, nil
	s.state.Store(int32(StateStopped))
	close(stopped)
	s.mu.Unlock()

	s.log.Info("bridge server stopped")
	return err
}

// Push sends a pipeline to every connected editor and returns the number
// of connections the send was attempted on.
func (s *Server) Push(filePath string, raw json.RawMessage) (int, error) {
	doc, err := pipeline.NewDocument(filePath, raw)
	if err != nil {
		return 0, err
	}
	return s.handlers.Push(doc)
}

// Preload reads pipeline files into the store.
func (s *Server) Preload(paths ...string) error {
	for _, p := range paths {
		doc, err := pipeline.LoadFile(p)
		if err != nil {
			return err
		}
		entry := s.store.Put(doc)
		s.log.Info("pipeline preloaded", zap.String("file_path", entry.FilePath), zap.Int("nodes", entry.NodeCount))
	}
	return nil
}

func (s *Server) Status() api.Status {
	return api.Status{
		State:     s.State().String(),
		Addr:      s.Addr(),
		Version:   s.opts.Version,
		Clients:   s.registry.Len(),
		Pipelines: s.store.Len(),
		Routes:    s.router.Routes(),
	}
}
