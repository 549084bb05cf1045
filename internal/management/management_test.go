package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hubproxy/internal/config"
	"hubproxy/internal/metrics"
	"hubproxy/internal/userstore"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
	}
}

func newTestServer(apiKey string) (*Server, userstore.Store) {
	cfg := testConfig()
	cfg.UserUpdateAPIKey = apiKey
	users := userstore.NewMemoryStore()
	srv := New(cfg, users, metrics.New())
	return srv, users
}

func TestStatus_OK(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestHealthz_OK(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestUserUpdate_NoAPIKey_PassThrough(t *testing.T) {
	srv, users := newTestServer("")
	body := `{"email":"bob@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp userUpdateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Password == "" || resp.AppToken == "" || resp.AuthToken == "" {
		t.Errorf("expected generated credentials, got %+v", resp)
	}

	u, err := users.ByEmail("bob@example.com")
	if err != nil {
		t.Fatalf("expected user to be persisted: %v", err)
	}
	if !userstore.CheckPassword(u.PasswordHash, resp.Password) {
		t.Error("stored password hash does not match the returned password")
	}
}

func TestUserUpdate_UpdatesExistingUser(t *testing.T) {
	srv, users := newTestServer("")
	existing, err := users.Put(userstore.User{Email: "carol@example.com", AppToken: "OLD"})
	if err != nil {
		t.Fatal(err)
	}

	body := `{"email":"carol@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	u, err := users.ByID(existing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.AppToken == "OLD" {
		t.Error("expected app token to be rotated")
	}
}

func TestUserUpdate_ValidAPIKey(t *testing.T) {
	srv, _ := newTestServer("secret123")
	body := `{"email":"dave@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	req.Header.Set("ApiKey", "secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid key, got %d", w.Code)
	}
}

func TestUserUpdate_InvalidAPIKey(t *testing.T) {
	srv, _ := newTestServer("secret123")
	body := `{"email":"dave@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	req.Header.Set("ApiKey", "wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", w.Code)
	}
}

func TestUserUpdate_MissingAPIKey(t *testing.T) {
	srv, _ := newTestServer("secret123")
	body := `{"email":"dave@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing key, got %d", w.Code)
	}
}

func TestUserUpdate_EmptyEmail(t *testing.T) {
	srv, _ := newTestServer("")
	body := `{"email":""}`
	req := httptest.NewRequest(http.MethodPost, "/api/user-update", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty email, got %d", w.Code)
	}
}

func TestUserUpdate_WrongMethod(t *testing.T) {
	srv, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/api/user-update", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}
