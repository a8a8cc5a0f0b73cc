package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/config"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/supabase"
)

// Server is the HTTP relay in front of the backend's data and auth APIs.
type Server struct {
	cfg        *config.Config
	backend    *supabase.Client
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new relay server that forwards to backend.
func NewServer(cfg *config.Config, backend *supabase.Client, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth-user", s.handleAuthUser)
	mux.HandleFunc("GET /posts", s.handlePosts)
	mux.HandleFunc("GET /comments-by-post", s.handleCommentsByPost)
	mux.HandleFunc("GET /health", s.handleHealth)
	return withLogging(s.logger, mux)
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.logger.Warn("auth-user called with invalid body", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	resp, err := s.backend.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		s.logger.Error("failed to sign in", "email", creds.Email, "error", err)
		s.writeBackendError(w, err)
		return
	}

	s.logger.Info("auth-user success", "user_id", resp.User.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"user":    resp.User,
			"session": resp,
		},
	})
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	s.relayList(w, r, domain.PostsScope())
}

func (s *Server) handleCommentsByPost(w http.ResponseWriter, r *http.Request) {
	postID := r.URL.Query().Get("postId")
	if postID == "" {
		s.logger.Warn("comments-by-post called without postId parameter")
		writeError(w, http.StatusBadRequest, "postId parameter is required")
		return
	}
	s.relayList(w, r, domain.CommentsScope(postID))
}

func (s *Server) relayList(w http.ResponseWriter, r *http.Request, scope domain.Scope) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	client, err := s.clientFor(r)
	if err != nil {
		s.logger.Warn("rejected authorization header", "error", err)
		writeError(w, http.StatusBadRequest, "malformed bearer token")
		return
	}

	rows, err := client.Select(ctx, scope)
	if err != nil {
		s.logger.Error("failed to fetch rows", "scope", scope.String(), "error", err)
		s.writeBackendError(w, err)
		return
	}

	s.logger.Info("relay success", "scope", scope.String(), "bytes", len(rows))
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// clientFor returns a backend client acting as the caller when the caller
// sent a bearer token and forwarding is enabled. A bearer token that is not a
// JWT is rejected before it reaches the backend.
func (s *Server) clientFor(r *http.Request) (*supabase.Client, error) {
	if !s.cfg.ForwardAuth {
		return s.backend, nil
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return s.backend, nil
	}

	claims, err := domain.ParseTokenClaims(token)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("forwarding caller token", "sub", claims.Subject, "exp", claims.ExpiresAt)
	return s.backend.WithToken(token), nil
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.SyncTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.SyncTimeout)
}

// writeBackendError answers with the backend's message as plain text. Input
// problems are 400, everything else 500.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	msg := err.Error()
	var apiErr *supabase.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Body
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, message)
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
