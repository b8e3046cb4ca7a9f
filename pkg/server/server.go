// Package server exposes the chat, history, and retrieval services over a
// JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ricordo/pkg/chat"
	"github.com/go-go-golems/ricordo/pkg/indexer"
	"github.com/go-go-golems/ricordo/pkg/rag"
	"github.com/go-go-golems/ricordo/pkg/store"
)

// Server wires the services to HTTP handlers. Dependencies are injected at
// construction; the server holds no domain state of its own.
type Server struct {
	store        *store.Store
	orchestrator *chat.Orchestrator
	registry     *chat.Registry
	search       *rag.SearchService
	indexer      *indexer.Service

	httpServer *http.Server
}

func New(addr string, st *store.Store, orchestrator *chat.Orchestrator, registry *chat.Registry,
	search *rag.SearchService, indexSvc *indexer.Service) *Server {
	s := &Server{
		store:        st,
		orchestrator: orchestrator,
		registry:     registry,
		search:       search,
		indexer:      indexSvc,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/start_chat", s.requireMethod(http.MethodPost, s.handleChat))
	mux.HandleFunc("/continue_chat", s.requireMethod(http.MethodPost, s.handleChat))
	mux.HandleFunc("/history/search", s.requireMethod(http.MethodGet, s.handleHistorySearch))
	mux.HandleFunc("/history/recent", s.requireMethod(http.MethodGet, s.handleHistoryRecent))
	mux.HandleFunc("/history/conversation", s.requireMethod(http.MethodGet, s.handleHistoryConversation))
	mux.HandleFunc("/history/title", s.requireMethod(http.MethodGet, s.handleHistoryTitle))
	mux.HandleFunc("/history/by_model", s.requireMethod(http.MethodGet, s.handleHistoryByModel))
	mux.HandleFunc("/history/feedback", s.requireMethod(http.MethodPatch, s.handleFeedback))
	mux.HandleFunc("/available_models", s.requireMethod(http.MethodGet, s.handleAvailableModels))
	mux.HandleFunc("/search", s.requireMethod(http.MethodPost, s.handleSearch))
	mux.HandleFunc("/index", s.requireMethod(http.MethodPost, s.handleIndex))
	mux.HandleFunc("/index/status", s.requireMethod(http.MethodGet, s.handleIndexStatus))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server: listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Wrap(s.httpServer.Shutdown(shutdownCtx), "server: shutdown")
	}
}

func (s *Server) requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func errorBody(detail string) map[string]string {
	return map[string]string{"detail": detail}
}

// writeError maps the error taxonomy to status codes: NotFound to 404,
// validation failures to 400, everything else (storage, upstream) to 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, chat.ErrUnsupportedModel), errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		log.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

// errBadRequest tags malformed client input.
var errBadRequest = errors.New("bad request")
