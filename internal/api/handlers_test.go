package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"chatbotgo/internal/auth"
	"chatbotgo/internal/config"
	"chatbotgo/internal/models"
	"chatbotgo/internal/observability"
	"chatbotgo/internal/service/account"
	"chatbotgo/internal/service/chatbot"
	"chatbotgo/internal/service/completion"
	"chatbotgo/internal/storage"
)

type stubBackend struct {
	calls atomic.Int32
	reply string
	err   error
}

func (b *stubBackend) Generate(_ context.Context, _, _ string) (string, error) {
	b.calls.Add(1)
	return b.reply, b.err
}

type testServer struct {
	router  *gin.Engine
	store   *storage.SQLStore
	backend *stubBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenSQL(config.StorageConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := storage.NewSQLStore(db, "sqlite3")
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	backend := &stubBackend{reply: "Hi there!! 😀"}
	retries := 0
	gateway := completion.NewGateway(backend, config.CompletionConfig{
		Provider:   "stub",
		Timeout:    config.Duration(time.Second),
		MaxRetries: &retries,
	}, metrics)

	authService := auth.NewService("test-secret", time.Hour, auth.WithRevoker(auth.NewMemoryRevoker()))
	pipeline := chatbot.NewPipeline(gateway, store, chatbot.Options{MaxMessageBytes: 1024, Metrics: metrics})
	handler := NewHandler(account.NewService(store), authService, pipeline, reg)

	router := NewRouter("https://app.example.com")
	handler.RegisterRoutes(router)
	return &testServer{router: router, store: store, backend: backend}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)

	chatResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "hello"}, authHeader)
	assertStatus(t, chatResp, http.StatusOK)
	var chatBody struct {
		Response string `json:"response"`
	}
	decodeJSON(t, chatResp.Body.Bytes(), &chatBody)
	if chatBody.Response != "Hi there!!" {
		t.Fatalf("expected sanitized response, got %q", chatBody.Response)
	}

	histResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chatbot/history", nil, authHeader)
	assertStatus(t, histResp, http.StatusOK)
	var turns []models.ChatTurn
	decodeJSON(t, histResp.Body.Bytes(), &turns)
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	if turns[0].UserMessage != "hello" || turns[0].BotResponse != "Hi there!!" || turns[0].UserID != userID {
		t.Fatalf("unexpected turn %+v", turns[0])
	}

	entriesResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chatbot/history?view=entries", nil, authHeader)
	assertStatus(t, entriesResp, http.StatusOK)
	var entries []models.HistoryEntry
	decodeJSON(t, entriesResp.Body.Bytes(), &entries)
	if len(entries) != 2 || entries[0].Role != models.RoleUser || entries[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[1].Content != "Hi there!!" {
		t.Fatalf("assistant entry content %q", entries[1].Content)
	}

	// Legacy clients send the text under userInput.
	legacyResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"userInput": "hi"}, authHeader)
	assertStatus(t, legacyResp, http.StatusOK)

	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	afterResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chatbot/history", nil, authHeader)
	assertStatus(t, afterResp, http.StatusUnauthorized)
}

func TestChatbotRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "hello"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	var body map[string]string
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["error"] != "Unauthorized" {
		t.Fatalf("unexpected error body %v", body)
	}
	if srv.backend.calls.Load() != 0 {
		t.Fatalf("gateway must not be called without auth")
	}
	if n := countTurns(t, srv.store); n != 0 {
		t.Fatalf("expected no stored turns, got %d", n)
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "hello"},
		map[string]string{"Authorization": "Bearer not.a.token"})
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestChatbotValidationAndGatewayErrors(t *testing.T) {
	srv := newTestServer(t)
	_, authHeader := registerAndLogin(t, srv.router)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": strings.Repeat("x", 2048)}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	srv.backend.err = errors.New("upstream quota exceeded")
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body map[string]string
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["error"] != "Failed to process chatbot message" {
		t.Fatalf("unexpected error body %v", body)
	}
	if strings.Contains(resp.Body.String(), "quota") {
		t.Fatalf("internal cause leaked to client: %s", resp.Body.String())
	}
	if n := countTurns(t, srv.store); n != 0 {
		t.Fatalf("expected no stored turns after gateway failure, got %d", n)
	}
}

func TestHistoryMissingUserID(t *testing.T) {
	srv := newTestServer(t)
	svc := auth.NewService("test-secret", time.Hour)
	// A validly signed token whose identity lacks a user id.
	token, err := svc.IssueToken(&models.User{ID: "placeholder"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	claims.UserID = ""
	router := gin.New()
	router.GET("/history", func(c *gin.Context) {
		c.Set("auth_claims", claims)
		c.Next()
	}, (&Handler{chat: chatbot.NewPipeline(nil, srv.store, chatbot.Options{})}).history)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestAuthRoutes(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{"email": "", "password": "x"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	creds := map[string]string{"email": "dup@example.com", "password": "pass123"}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", creds, nil), http.StatusCreated)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", creds, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body map[string]string
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["error"] != "Email already registered" {
		t.Fatalf("unexpected error body %v", body)
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "dup@example.com", "password": "wrong"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPingMetricsAndCORS(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/ping", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "Server is up and running") {
		t.Fatalf("unexpected ping body %s", resp.Body.String())
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	_, authHeader := registerAndLogin(t, srv.router)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/chatbot", map[string]string{"message": "hello"}, authHeader), http.StatusOK)

	metrics := doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metrics, http.StatusOK)
	if !strings.Contains(metrics.Body.String(), `chatbot_turns_total{outcome="ok"} 1`) {
		t.Fatalf("expected turn counter in metrics output:\n%s", metrics.Body.String())
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/api/chatbot", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, preflight)
	assertStatus(t, rec, http.StatusNoContent)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("missing CORS header")
	}

	other := httptest.NewRequest(http.MethodGet, "/ping", nil)
	other.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, other)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for foreign origin")
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countTurns(t *testing.T, store *storage.SQLStore) int {
	t.Helper()
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine) (string, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		Token string `json:"token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.Token == "" {
		t.Fatalf("expected token after login")
	}
	claims, err := auth.NewService("test-secret", time.Hour).Verify(loginBody.Token)
	if err != nil {
		t.Fatalf("verify login token: %v", err)
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.Token)}
	return claims.UserID, authHeader
}
