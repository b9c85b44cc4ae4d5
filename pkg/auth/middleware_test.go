package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signtusk/multisigner/pkg/auth"
)

// createTestToken generates a signed JWT for testing using the provided KeySet.
func createTestToken(t *testing.T, ks auth.KeySet, sub, email string, expiry time.Time) string {
	t.Helper()
	claims := auth.SignerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "multisigner-test",
		},
		Email: email,
	}
	token, err := ks.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func setupValidator(t *testing.T) (auth.KeySet, *auth.JWTValidator) {
	ks, err := auth.NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("failed to create keyset: %v", err)
	}
	return ks, auth.NewJWTValidator(ks)
}

func serveWithToken(handler http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func rejectAll(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})
}

func TestMiddleware_ValidJWT(t *testing.T) {
	ks, validator := setupValidator(t)
	middleware := auth.NewMiddleware(validator)

	var capturedPrincipal auth.Principal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		capturedPrincipal = p
		w.WriteHeader(http.StatusOK)
	}))

	token := createTestToken(t, ks, "user-123", " Alice@Example.com", time.Now().Add(time.Hour))
	w := serveWithToken(handler, "/api/v1/requests/abc", token)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if capturedPrincipal == nil {
		t.Fatal("principal was not set in context")
	}
	if capturedPrincipal.GetID() != "user-123" {
		t.Errorf("expected subject 'user-123', got %q", capturedPrincipal.GetID())
	}
	if capturedPrincipal.GetEmail() != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", capturedPrincipal.GetEmail())
	}
}

func TestMiddleware_HMACKeySet(t *testing.T) {
	ks, err := auth.NewHMACKeySet([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	handler := auth.NewMiddleware(auth.NewJWTValidator(ks))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	token := createTestToken(t, ks, "user-1", "bob@example.com", time.Now().Add(time.Hour))
	if w := serveWithToken(handler, "/api/v1/mfa/enroll", token); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}

	if _, err := auth.NewHMACKeySet([]byte("short")); err == nil {
		t.Error("expected short secret to be rejected")
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	ks, validator := setupValidator(t)
	handler := auth.NewMiddleware(validator)(rejectAll(t))

	token := createTestToken(t, ks, "user-123", "a@example.com", time.Now().Add(-time.Hour))
	if w := serveWithToken(handler, "/api/v1/requests", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	_, validator := setupValidator(t)
	handler := auth.NewMiddleware(validator)(rejectAll(t))

	if w := serveWithToken(handler, "/api/v1/requests", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	ks1, _ := setupValidator(t)
	_, validator2 := setupValidator(t)
	handler := auth.NewMiddleware(validator2)(rejectAll(t))

	token := createTestToken(t, ks1, "user-123", "a@example.com", time.Now().Add(time.Hour))
	if w := serveWithToken(handler, "/api/v1/requests", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	_, validator := setupValidator(t)
	middleware := auth.NewMiddleware(validator)

	for _, path := range []string{"/health", "/verify/6f1c1f3e-4a7b-4b8e-9d61-1a2b3c4d5e6f"} {
		called := false
		handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))
		w := serveWithToken(handler, path, "")
		if !called || w.Code != http.StatusOK {
			t.Errorf("%s: expected public access, got %d", path, w.Code)
		}
	}
}

func TestMiddleware_NilValidator_FailClosed(t *testing.T) {
	handler := auth.NewMiddleware(nil)(rejectAll(t))
	if w := serveWithToken(handler, "/api/v1/requests", "some-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingEmailClaim(t *testing.T) {
	ks, validator := setupValidator(t)
	handler := auth.NewMiddleware(validator)(rejectAll(t))

	token := createTestToken(t, ks, "user-123", "", time.Now().Add(time.Hour))
	if w := serveWithToken(handler, "/api/v1/requests", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingSubjectClaim(t *testing.T) {
	ks, validator := setupValidator(t)
	handler := auth.NewMiddleware(validator)(rejectAll(t))

	token := createTestToken(t, ks, "", "a@example.com", time.Now().Add(time.Hour))
	if w := serveWithToken(handler, "/api/v1/requests", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestGetRequestID_ExtractsFromContext(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got == "" || got == "not-a-uuid" {
		t.Fatalf("expected a fresh request id, got %q", got)
	}
	if w.Header().Get("X-Request-ID") != got {
		t.Fatal("expected X-Request-ID header to match context")
	}
}

func TestActorID(t *testing.T) {
	if got := auth.ActorID(context.Background()); got != "system" {
		t.Errorf("expected system, got %q", got)
	}
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "u-9"})
	if got := auth.ActorID(ctx); got != "u-9" {
		t.Errorf("expected u-9, got %q", got)
	}
}
