package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestHealthBypassesJWT(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	server := NewServer(cfg, Deps{})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected /health to bypass JWT, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	server := NewServer(cfg, Deps{})
	handler := server.Handler()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{
			name:   "upload requires jwt",
			method: http.MethodPost,
			path:   "/api/v1/agents/a1/files",
		},
		{
			name:   "file status requires jwt",
			method: http.MethodGet,
			path:   "/api/v1/files/f1",
		},
		{
			name:   "delete file requires jwt",
			method: http.MethodDelete,
			path:   "/api/v1/files/f1",
		},
		{
			name:   "job status requires jwt",
			method: http.MethodGet,
			path:   "/api/v1/jobs/j1",
		},
		{
			name:   "chat requires jwt",
			method: http.MethodPost,
			path:   "/api/v1/agents/a1/chat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for protected route %s %s, got %d", tt.method, tt.path, rr.Code)
			}
		})
	}
}

func TestTokenScopeValidation(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	server := NewServer(cfg, Deps{})
	handler := server.Handler()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{
			name:  "token without tenant is forbidden",
			token: signToken(t, jwt.MapClaims{"sub": "u1"}),
			want:  http.StatusForbidden,
		},
		{
			name:  "expired token is rejected",
			token: signToken(t, jwt.MapClaims{"tenant_id": "t1", "exp": time.Now().Add(-time.Minute).Unix()}),
			want:  http.StatusUnauthorized,
		},
		{
			name:  "malformed token is rejected",
			token: "not-a-jwt",
			want:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files/f1", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestBuildRouterRequiresSecret(t *testing.T) {
	if _, err := NewServer(DefaultServerConfig(), Deps{}).buildRouter(); err == nil {
		t.Fatal("expected buildRouter to fail without a JWT secret")
	}
}
