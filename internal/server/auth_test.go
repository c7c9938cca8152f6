package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xela07ax/guestgate-engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type stubUsers struct {
	users map[string]*domain.User
}

func (s *stubUsers) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func testKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, &key.PublicKey
}

func testAuthService(t *testing.T, scopes map[string]bool) *AuthService {
	t.Helper()
	key, pub := testKeyPair(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	repo := &stubUsers{users: map[string]*domain.User{
		"host-1": {ID: "u-1", Username: "host-1", PasswordHash: string(hash), Scopes: scopes},
	}}
	return NewAuthService(repo, key, pub, time.Hour)
}

func TestParseRSAKeysFromPEM(t *testing.T) {
	key, _ := testKeyPair(t)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	priv, err := ParseRSAPrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParseRSAPrivateKey: %v", err)
	}
	pub, err := ParseRSAPublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	if priv.N.Cmp(pub.N) != 0 {
		t.Error("parsed key pair does not match")
	}

	if _, err := ParseRSAPrivateKey(nil); err == nil {
		t.Error("empty private key accepted")
	}
	if _, err := ParseRSAPublicKey(nil); err == nil {
		t.Error("empty public key accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := testAuthService(t, map[string]bool{"admin": true})

	token, err := svc.GenerateToken(ctx, "host-1", "s3cret")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token.TokenType != "Bearer" || token.AccessToken == "" {
		t.Errorf("token = %+v", token)
	}

	claims, err := svc.VerifyToken("Bearer " + token.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "u-1" || !claims.Scopes["admin"] {
		t.Errorf("claims = %+v, want u-1 with admin scope", claims)
	}

	if _, err := svc.GenerateToken(ctx, "host-1", "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := svc.GenerateToken(ctx, "ghost", "s3cret"); err == nil {
		t.Error("unknown user accepted")
	}
}

func TestAuthMiddlewarePerimeter(t *testing.T) {
	svc := testAuthService(t, nil)

	var gotCaller string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = CallerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(svc, zap.NewNop())(next)

	// Без токена запрос не проходит
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}

	// Мусорный токен тоже
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token = %d, want 401", rec.Code)
	}

	// Валидный токен проносит caller в контекст
	token, err := svc.GenerateToken(context.Background(), "host-1", "s3cret")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", rec.Code)
	}
	if gotCaller != "u-1" {
		t.Errorf("CallerID = %q, want u-1", gotCaller)
	}
}

func TestRequireScope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireScope("admin")(next)

	cases := []struct {
		name   string
		scopes map[string]bool
		want   int
	}{
		{"no scopes", nil, http.StatusForbidden},
		{"other scope", map[string]bool{"host": true}, http.StatusForbidden},
		{"admin scope", map[string]bool{"admin": true}, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tc.scopes != nil {
				req = req.WithContext(context.WithValue(req.Context(), ctxKeyScopes, tc.scopes))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
