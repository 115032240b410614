package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	VerifyToken string
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the HTTP server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithVerifyToken sets the shared secret the provider echoes during the
// webhook verification handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// Server wires the HTTP routes to the store, the job queue and the outbound
// dispatcher.
type Server struct {
	store       store.Store
	jobs        store.JobRepo
	dispatcher  *dispatch.Dispatcher
	verifyToken string
	addr        string

	httpServer *http.Server
}

// NewServer creates the API server. The webhook POST handler only enqueues
// jobs; all slow work happens behind the job runner so the provider gets its
// acknowledgment fast.
func NewServer(st store.Store, jobs store.JobRepo, dispatcher *dispatch.Dispatcher, opts ...Option) *Server {
	options := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&options)
	}
	slog.Debug("Server.NewServer: created server", "addr", options.Addr, "verifyTokenSet", options.VerifyToken != "")
	return &Server{
		store:       st,
		jobs:        jobs,
		dispatcher:  dispatcher,
		verifyToken: options.VerifyToken,
		addr:        options.Addr,
	}
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/webhook", s.handleWebhookVerify)
	r.Post("/webhook", s.handleWebhookEvent)

	r.Post("/messages", s.handleSendMessage)
	r.Get("/conversations", s.handleListConversations)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/conversations/{id}/messages", s.handleListMessages)
	r.Patch("/conversations/{id}/tags", s.handleUpdateTags)

	r.Get("/health", s.handleHealth)

	return r
}

// Run starts the HTTP server and blocks until the context is canceled or the
// listener fails. Shutdown drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: shutdown complete")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
