package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "lowercase scheme", header: "bearer a.b.c", want: "a.b.c"},
		{name: "padded", header: "  Bearer   a.b.c ", want: "a.b.c"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "blank", header: "   ", wantErr: errMissingAuthorization},
		{name: "basic", header: "Basic dXNlcjpwYXNz", wantErr: errBadAuthorization},
		{name: "no token", header: "Bearer ", wantErr: errBadAuthorization},
		{name: "two segments", header: "Bearer a.b", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
		{name: "empty segment", header: "Bearer .b.c", wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if err != tt.wantErr {
				t.Fatalf("bearerToken(%q) error = %v, want %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestOwnerFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", SharedSecret: secret})

	owner, err := auth.OwnerFromAuthHeader("Bearer " + signHS256(t, secret, validClaims()))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if owner != "user-123" {
		t.Fatalf("unexpected owner: %s", owner)
	}
}

func TestOwnerFromTokenRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", SharedSecret: secret})

	mutate := func(f func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		f(c)
		return c
	}
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "wrong secret", token: signHS256(t, []byte("other"), validClaims())},
		{name: "expired", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-5 * time.Minute).Unix() }))},
		{name: "not yet valid", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() }))},
		{name: "audience", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["aud"] = "api://other" }))},
		{name: "issuer", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { c["iss"] = "https://evil/" }))},
		{name: "missing sub", token: signHS256(t, secret, mutate(func(c jwt.MapClaims) { delete(c, "sub") }))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if owner, err := auth.OwnerFromToken(tt.token); err == nil {
				t.Fatalf("expected error, got owner %q", owner)
			}
		})
	}
}

func TestOwnerFromTokenWithoutJWKS(t *testing.T) {
	auth := NewAuth(AuthConfig{})
	token := signHS256(t, []byte("secret"), validClaims())
	if _, err := auth.OwnerFromToken(token); err == nil {
		t.Fatal("expected HS256 token to be rejected in JWKS mode")
	}
}
