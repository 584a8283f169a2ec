package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

const testSecret = "test-secret"

func signed(t *testing.T, secret string, filters []string, expires time.Time) string {
	t.Helper()
	token, err := NewVerifier(secret).Sign(&Claims{
		Filters: filters,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret)
	future := time.Now().Add(time.Hour)

	claims, err := v.Verify(signed(t, testSecret, []string{FilterAtlasAvro}, future))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "tester" || !claims.HasFilter(FilterAtlasAvro) {
		t.Errorf("claims = %+v", claims)
	}

	tests := map[string]string{
		"wrong secret": signed(t, "other-secret", nil, future),
		"expired":      signed(t, testSecret, nil, time.Now().Add(-time.Hour)),
		"garbage":      "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); !stamperr.Is(err, stamperr.ErrUnauthorized) {
				t.Errorf("Verify error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewVerifier(testSecret).Verify(token); !stamperr.Is(err, stamperr.ErrUnauthorized) {
		t.Errorf("Verify error = %v, want ErrUnauthorized", err)
	}
}

func TestGateAllow(t *testing.T) {
	g := NewGate()
	tests := []struct {
		name    string
		filters []string
		survey  string
		res     Resource
		denied  bool
	}{
		{"anonymous atlas", nil, "atlas", ResourceStamp, false},
		{"stamp filter on stamp", []string{FilterAtlasStamp}, "atlas", ResourceStamp, true},
		{"stamp filter on avro", []string{FilterAtlasStamp}, "atlas", ResourceAvro, false},
		{"avro filter on avro", []string{FilterAtlasAvro}, "atlas", ResourceAvro, true},
		{"wildcard", []string{FilterAll}, "atlas", ResourceAvro, true},
		{"wildcard on ztf", []string{FilterAll}, "ztf", ResourceStamp, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.filters != nil {
				ctx = WithClaims(ctx, &Claims{Filters: tt.filters})
			}
			err := g.Allow(ctx, tt.survey, tt.res)
			if tt.denied != stamperr.Is(err, stamperr.ErrForbidden) {
				t.Errorf("Allow = %v, denied want %v", err, tt.denied)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	handler := Middleware(NewVerifier(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	good := signed(t, testSecret, []string{FilterAtlasStamp}, time.Now().Add(time.Hour))

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantClaims bool
	}{
		{"anonymous", "/get_avro", "", http.StatusOK, false},
		{"valid token", "/get_avro", "Bearer " + good, http.StatusOK, true},
		{"lowercase scheme", "/get_avro", "bearer " + good, http.StatusOK, true},
		{"invalid token", "/get_avro", "Bearer nope", http.StatusUnauthorized, false},
		{"basic scheme", "/get_avro", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, false},
		{"health skips auth", "/health", "Bearer nope", http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if (seen != nil) != tt.wantClaims {
				t.Errorf("claims on context = %v, want %v", seen != nil, tt.wantClaims)
			}
			if rec.Code == http.StatusUnauthorized {
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("Content-Type = %q", ct)
				}
				if !strings.Contains(rec.Body.String(), `"status":401`) {
					t.Errorf("body = %s", rec.Body.String())
				}
			}
		})
	}
}
