// Package gateway exposes the job engine over HTTP and a WebSocket event stream.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"smsgate/internal/correlator"
	"smsgate/internal/dispatch"
	"smsgate/internal/job"
	"smsgate/internal/publisher"
	"smsgate/internal/transport"
	logx "smsgate/pkg/logx"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// CallbackIngress enables /v1/callbacks for out-of-process transports.
	CallbackIngress bool
	// StreamQueue bounds the per-connection outbound buffer.
	StreamQueue int
	// PingInterval keeps idle event streams alive. 0 disables pings.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.StreamQueue <= 0 {
		c.StreamQueue = 64
	}
	return c
}

// Deps are the engine components the gateway drives.
type Deps struct {
	Orchestrator *dispatch.Orchestrator
	Registry     *job.Registry
	Correlator   *correlator.Correlator
	Publisher    *publisher.Publisher
	// Device is optional; without it device status is not reported.
	Device transport.Prober
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	router *mux.Router

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	streams sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.String("comp", "gateway"))}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, s.accessLog, s.recoverer)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/sms", s.sendSms).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/events", s.events).Methods(http.MethodGet)
	api.HandleFunc("/device", s.device).Methods(http.MethodGet)
	if s.cfg.CallbackIngress {
		api.HandleFunc("/callbacks/{phase}", s.callback).Methods(http.MethodPost)
	}
	return r
}

// Start binds the listener. Serving happens in Serve.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Unlock()
	s.log.Info("gateway listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errors.New("gateway: not started")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("gateway shutdown incomplete", logx.Err(err))
		}
		return nil
	}
}

// Shutdown stops accepting requests and drops the event stream listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Hijacked stream connections are not tracked by http.Server.
	if s.deps.Publisher != nil {
		s.deps.Publisher.Detach()
	}
	done := make(chan struct{})
	go func() { s.streams.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
