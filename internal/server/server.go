// Package server exposes the search service over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"bookwright/internal/app"
	"bookwright/internal/ratelimit"
	"bookwright/internal/util"
	"bookwright/pkg/domain"
)

// TokenVerifier validates a bearer token and returns the subject user ID.
// Satisfied by usertoken.Verifier.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	SearchLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxBodyBytes   int64
}

// Server exposes the search, credits and provider-key endpoints.
type Server struct {
	app          *app.App
	tokens       TokenVerifier
	limiter      *ratelimit.FixedWindowLimiter
	proxies      *util.TrustedProxies
	mux          *http.ServeMux
	maxBodyBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires the app")
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	s := &Server{
		app:          cfg.App,
		tokens:       cfg.TokenVerifier,
		limiter:      cfg.SearchLimiter,
		proxies:      cfg.TrustedProxies,
		mux:          http.NewServeMux(),
		maxBodyBytes: maxBodyBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("search", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/search", s.withRateLimit(http.HandlerFunc(s.handleSearch)))
	s.mux.Handle("/account/credits", s.withUser(s.handleCredits))
	s.mux.Handle("/account/provider-key", s.withUser(s.handleProviderKey))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

// withUser requires a valid bearer token.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(w, r, true)
		if !ok {
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(util.ClientIP(r, s.proxies)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller. With required=false a missing token is
// fine and yields an empty user ID; a present but invalid token is always
// rejected.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, required bool) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		if required {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return "", false
		}
		return "", true
	}
	if s.tokens == nil {
		writeError(w, http.StatusInternalServerError, "token verifier not configured")
		return "", false
	}
	userID, err := s.tokens.VerifySubject(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// handleSearch serves cached pages to anyone; generation requires a user.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	var req domain.SearchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, cached, err := s.app.Search(r.Context(), userID, req)
	if err != nil {
		s.writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		SearchID:   result.ID,
		Cached:     cached,
		PageNumber: result.PageNumber,
		Books:      result.Books,
		CreatedAt:  result.CreatedAt,
	})
}

// searchResponse is the wire shape of a search page. The stored result also
// carries the fingerprint and the requesting user; neither belongs to the
// caller.
type searchResponse struct {
	SearchID   string              `json:"searchId"`
	Cached     bool                `json:"cached"`
	PageNumber int                 `json:"pageNumber"`
	Books      []domain.RankedBook `json:"books"`
	CreatedAt  time.Time           `json:"createdAt"`
}

func (s *Server) writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, "unknown generation model")
	case errors.Is(err, domain.ErrAuthenticationRequired):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, domain.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, domain.ErrGenerationFailed):
		writeError(w, http.StatusInternalServerError, "content generation failed")
	case errors.Is(err, domain.ErrPersistenceFailed):
		writeError(w, http.StatusInternalServerError, "result persistence failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	account, transactions, err := s.app.Credits(r.Context(), userID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      account.Balance,
		"updatedAt":    account.UpdatedAt,
		"transactions": transactions,
	})
}

func (s *Server) handleProviderKey(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPut:
		var req providerKeyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.SetProviderKey(r.Context(), userID, req.APIKey); err != nil {
			if errors.Is(err, domain.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	case http.MethodDelete:
		if err := s.app.DeleteProviderKey(r.Context(), userID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type providerKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForSearch(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForSearch(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "token verifier not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "authentication required":
		return "AUTH_REQUIRED"
	case message == "insufficient credits":
		return "CREDITS_INSUFFICIENT"
	case message == "unknown generation model":
		return "SEARCH_UNKNOWN_MODEL"
	case message == "content generation failed":
		return "SEARCH_GENERATION_FAILED"
	case message == "result persistence failed":
		return "SEARCH_PERSISTENCE_FAILED"
	case message == "invalid json body":
		return "SEARCH_INVALID_REQUEST"
	case message == "rate limit exceeded":
		return "SYSTEM_RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "SEARCH_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusPaymentRequired:
		return "CREDITS_INSUFFICIENT"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
