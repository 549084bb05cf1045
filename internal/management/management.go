// Package management provides a lightweight HTTP API for operating the
// proxy: provisioning/rotating a user's credentials, health and uptime
// checks, and the Prometheus scrape endpoint.
//
// Endpoints:
//
//	GET  /status          - proxy health and uptime
//	GET  /healthz          - liveness probe
//	GET  /metrics          - Prometheus exposition
//	POST /api/user-update  - create or rotate a user's stored credentials
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"hubproxy/internal/config"
	"hubproxy/internal/metrics"
	"hubproxy/internal/userstore"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	users     userstore.Store
	apiKey    string // gates POST /api/user-update
	metrics   *metrics.Metrics
}

// New creates a management server bound to users for credential
// provisioning and m for the /metrics endpoint.
func New(cfg *config.Config, users userstore.Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		users:     users,
		apiKey:    cfg.UserUpdateAPIKey,
		metrics:   m,
	}
	if s.apiKey != "" {
		log.Printf("[MANAGEMENT] ApiKey authentication enabled for /api/user-update")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/user-update", s.apiKeyMiddleware(s.handleUserUpdate))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// apiKeyMiddleware checks the ApiKey header against the configured key, the
// same constant-time comparison style the proxy uses for client-supplied
// App-Token checks.
func (s *Server) apiKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		supplied := r.Header.Get("ApiKey")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.apiKey)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	uptime := time.Since(s.startTime)
	if s.metrics != nil {
		uptime = s.metrics.Uptime()
	}
	writeJSON(w, http.StatusOK, response{
		Status: "running",
		Uptime: uptime.Round(time.Second).String(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// userUpdateRequest mirrors the original's api_user_update view: callers
// supply the email to provision or update; a fresh password and pair of
// upstream-facing tokens are generated server-side and returned once.
type userUpdateRequest struct {
	Email string `json:"email"`
}

type userUpdateResponse struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	AppToken  string `json:"appToken"`
	AuthToken string `json:"authToken"`
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)

	var req userUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		http.Error(w, `invalid request: need {"email":"..."}`, http.StatusBadRequest)
		return
	}

	password, err := userstore.GenerateToken()
	if err != nil {
		http.Error(w, "failed to generate credentials", http.StatusInternalServerError)
		return
	}
	hash, err := userstore.HashPassword(password)
	if err != nil {
		http.Error(w, "failed to generate credentials", http.StatusInternalServerError)
		return
	}
	appToken, err := userstore.GenerateToken()
	if err != nil {
		http.Error(w, "failed to generate credentials", http.StatusInternalServerError)
		return
	}
	authToken, err := userstore.GenerateToken()
	if err != nil {
		http.Error(w, "failed to generate credentials", http.StatusInternalServerError)
		return
	}

	existing, err := s.users.ByEmail(req.Email)
	u := userstore.User{
		Email:        req.Email,
		PasswordHash: hash,
		AppToken:     appToken,
		AuthToken:    authToken,
	}
	if err == nil {
		u.ID = existing.ID
	}
	saved, err := s.users.Put(u)
	if err != nil {
		log.Printf("[MANAGEMENT] user-update failed for %s: %v", req.Email, err)
		http.Error(w, "failed to persist user", http.StatusInternalServerError)
		return
	}

	log.Printf("[MANAGEMENT] provisioned credentials for %s (id=%d)", saved.Email, saved.ID)
	writeJSON(w, http.StatusOK, userUpdateResponse{
		Email:     saved.Email,
		Password:  password,
		AppToken:  saved.AppToken,
		AuthToken: saved.AuthToken,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	log.Printf("[MANAGEMENT] Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
