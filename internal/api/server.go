package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/aruiz/ragrelay/internal/db"
)

// allowedOrigins defines which origins may make cross-origin requests.
// Used by both CORS middleware and WebSocket CheckOrigin.
var allowedOrigins = []string{
	"http://localhost:*",
}

// isAllowedOrigin checks whether an origin matches the allowedOrigins list.
// Supports the "http://localhost:*" wildcard pattern (any port on localhost).
func isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
		// Handle "http://localhost:*" — match any port on localhost.
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			parsed, err := url.Parse(origin)
			if err != nil {
				continue
			}
			// Rebuild without port to compare scheme+host.
			withoutPort := parsed.Scheme + "://" + parsed.Hostname()
			if withoutPort == prefix {
				return true
			}
		}
	}
	return false
}

type Server struct {
	db     *db.DB
	router chi.Router
	chat   *ChatManager

	mu   sync.Mutex
	http *http.Server
}

func NewServer(database *db.DB, chat *ChatManager) *Server {
	s := &Server{
		db:   database,
		chat: chat,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/api/health", s.handleHealth)

	// WebSocket chat transport
	r.Get("/ws/chat", s.handleChatWS)

	// Conversations
	r.Get("/api/conversations", s.handleListConversations)
	r.Post("/api/conversations", s.handleCreateConversation)
	r.Get("/api/conversations/{id}", s.handleGetConversation)
	r.Patch("/api/conversations/{id}", s.handleUpdateConversation)
	r.Delete("/api/conversations/{id}", s.handleDeleteConversation)
	r.Get("/api/conversations/{id}/messages", s.handleListConversationMessages)
	r.Post("/api/conversations/{id}/message", s.handleSendConversationMessage)
	r.Post("/api/conversations/{id}/interrupt", s.handleInterruptConversation)

	s.router = r
}

func (s *Server) wsUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			if origin == "" {
				return true
			}
			return isAllowedOrigin(origin)
		},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests and custom http.Server setups.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeDBError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, "failed to get "+entity)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
