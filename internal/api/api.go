// Package api provides the HTTP surface for ChatLoop.
//
// It exposes RESTful endpoints for managing campaigns and their flow graphs,
// inspecting and operating on conversation sessions, and receiving inbound
// Twilio webhooks. The API integrates with the store, flow engine, and
// messaging modules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/messaging"
	"github.com/chatloop/chatloop/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// TwilioWebhook, when set, is mounted at POST /webhook/twilio so the
	// Twilio transport can receive inbound messages.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the given handler at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Server wires the HTTP handlers to the store, engine, and messaging service.
type Server struct {
	st         store.Store
	engine     *flow.Engine
	msgService messaging.Service
	opts       Opts
	httpServer *http.Server
}

// NewServer creates an API server. The messaging service is used for
// recipient validation; the engine serves operator actions and graph cache
// invalidation.
func NewServer(msgService messaging.Service, st store.Store, engine *flow.Engine, options ...Option) *Server {
	var opts Opts
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	return &Server{
		st:         st,
		engine:     engine,
		msgService: msgService,
		opts:       opts,
	}
}

// Handler returns the routed http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/campaigns", s.campaignsHandler)
	mux.HandleFunc("/campaigns/", s.campaignHandler)
	mux.HandleFunc("/sessions/", s.sessionHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("/webhook/twilio", s.opts.TwilioWebhook)
	}
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
