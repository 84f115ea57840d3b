package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eduhub/eduhub/internal/config"
	"github.com/eduhub/eduhub/internal/service"
	"github.com/sirupsen/logrus"
)

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(buf)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddlewareAllowList(t *testing.T) {
	handler := CORSMiddleware([]string{"https://app.eduhub.dev"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.eduhub.dev")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.eduhub.dev" {
		t.Fatalf("expected origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	called := false
	handler := CORSMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/verify-email-otp", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("expected preflight short-circuit, got status %d called=%v", rr.Code, called)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestLoggingMiddlewareNeverLogsBody(t *testing.T) {
	var buf bytes.Buffer
	handler := LoggingMiddleware(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/verify-email-otp",
		strings.NewReader(`{"email":"a@x.com","code":"482913"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	if strings.Contains(buf.String(), "482913") {
		t.Fatalf("code leaked into logs: %s", buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["status"] != float64(http.StatusBadRequest) || entry["path"] != "/api/auth/verify-email-otp" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func newTokenService(t *testing.T) *service.VerificationTokenService {
	t.Helper()
	svc, err := service.NewVerificationTokenService(&config.VerificationTokenConfig{
		SecretKey: strings.Repeat("k", 32),
		Expiry:    15 * time.Minute,
	}, logrus.New())
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	return svc
}

func TestRequireVerifiedEmail(t *testing.T) {
	var buf bytes.Buffer
	tokens := newTokenService(t)
	m := NewAuthMiddleware(tokens, newTestLogger(&buf))

	var seen string
	handler := m.RequireVerifiedEmail(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := VerificationClaimsFromContext(r.Context())
		if !ok {
			t.Error("claims missing from context")
			return
		}
		seen = claims.Email
	}))

	token, _, err := tokens.Issue("a@x.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/verified-email", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}

	if seen != "a@x.com" {
		t.Fatalf("expected claims email a@x.com, got %q", seen)
	}
}

func TestRequireVerifiedEmailDisabled(t *testing.T) {
	var buf bytes.Buffer
	m := NewAuthMiddleware(nil, newTestLogger(&buf))
	handler := m.RequireVerifiedEmail(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verified-email", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
