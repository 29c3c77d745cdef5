package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []string
}

func (m *recordingMetrics) RecordVerification(kind string, success bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := "fail"
	if success {
		outcome = "ok"
	}
	m.records = append(m.records, kind+":"+outcome+":"+reason)
}

func (m *recordingMetrics) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return ""
	}
	return m.records[len(m.records)-1]
}

func decodeError(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload
}

func TestRequireCustomer_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "cust-1",
		Claims: map[string]any{"email": "ana@example.com", "name": " Ana "},
	}}
	authn := NewAuthenticator(verifier)

	var got *Identity
	handler := authn.RequireCustomer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if verifier.received != "tok-123" {
		t.Fatalf("unexpected token forwarded: %q", verifier.received)
	}
	if got == nil || got.UID != "cust-1" || got.Email != "ana@example.com" || got.Name != "Ana" {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestRequireCustomer_RejectsMissingAndInvalidTokens(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: errors.New("bad token")})
	handler := authn.RequireCustomer()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not be called")
	}))

	cases := map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"invalid": "Bearer nope",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestWebhookVerifier_AcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	metrics := &recordingMetrics{}
	verifier := NewWebhookVerifier(StaticSecret("whsec_test"), "webhook",
		WithWebhookClock(func() time.Time { return now }),
		WithWebhookMetrics(metrics),
	)

	payload := []byte(`{"id":"evt_1"}`)
	var seen string
	handler := verifier.RequireSignature()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", SignWebhookPayload("whsec_test", payload, now.Add(-30*time.Second)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != string(payload) {
		t.Fatalf("expected body to be restored, got %q", seen)
	}
	if metrics.last() != "webhook:ok:ok" {
		t.Fatalf("unexpected metrics %v", metrics.records)
	}
}

func TestWebhookVerifier_RejectsWithoutLeakingSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"type":"payment_intent.succeeded"}`)

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{"missing", "", "signature_missing"},
		{"malformed", "garbage", "signature_malformed"},
		{"wrong secret", SignWebhookPayload("other", payload, now), "signature_mismatch"},
		{"stale", SignWebhookPayload("whsec_test", payload, now.Add(-time.Hour)), "timestamp_skew"},
		{"tampered body", SignWebhookPayload("whsec_test", []byte(`{"type":"x"}`), now), "signature_mismatch"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			verifier := NewWebhookVerifier(StaticSecret("whsec_test"), "webhook",
				WithWebhookClock(func() time.Time { return now }),
				WithWebhookMetrics(metrics),
			)
			handler := verifier.RequireSignature()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run for rejected signature")
			}))

			req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(string(payload)))
			if tc.header != "" {
				req.Header.Set("Stripe-Signature", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			raw := rec.Body.String()
			if strings.Contains(raw, "whsec_test") || strings.Contains(raw, "v1=") {
				t.Fatalf("response leaked signature material: %s", raw)
			}
			body := decodeError(t, strings.NewReader(raw))
			if body["error"] != "invalid_signature" {
				t.Fatalf("expected invalid_signature, got %v", body["error"])
			}
			if want := "webhook:fail:" + tc.reason; metrics.last() != want {
				t.Fatalf("expected metric %s, got %s", want, metrics.last())
			}
		})
	}
}

func TestWebhookVerifier_AcceptsAnyMatchingV1(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	verifier := NewWebhookVerifier(StaticSecret("whsec_new"), "webhook", WithWebhookClock(func() time.Time { return now }))
	payload := []byte(`{}`)
	header := SignWebhookPayload("whsec_new", payload, now)
	header = strings.Replace(header, "v1=", "v1=deadbeef,v1=", 1)
	if err := verifier.Verify(payload, header, "whsec_new"); err != nil {
		t.Fatalf("expected rotated signature header to verify, got %v", err)
	}
}

func TestWebhookVerifier_SecretUnavailable(t *testing.T) {
	verifier := NewWebhookVerifier(SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("secret manager down")
	}), "webhook")
	handler := verifier.RequireSignature()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestOIDCValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}

	var (
		mu       sync.Mutex
		requests int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(NewJWKSCache(server.URL, WithJWKSClock(clock)), WithOIDCClock(clock), WithOIDCMetrics(metrics))

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "k1"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss":   "https://accounts.google.com",
			"aud":   "https://settlement.example.com",
			"sub":   "scheduler",
			"email": "scheduler@example.iam.gserviceaccount.com",
			"iat":   now.Add(-time.Minute).Unix(),
			"exp":   now.Add(time.Hour).Unix(),
		}
	}

	middleware := validator.RequireOIDC("https://settlement.example.com", []string{"https://accounts.google.com"})

	serve := func(token string) (int, *ServiceIdentity) {
		var identity *ServiceIdentity
		handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ = ServiceIdentityFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))
		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code, identity
	}

	status, identity := serve(sign(base()))
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if identity == nil || identity.Email != "scheduler@example.iam.gserviceaccount.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if status, _ := serve(sign(base())); status != http.StatusNoContent {
		t.Fatalf("expected cached key to validate, got %d", status)
	}
	mu.Lock()
	if requests != 1 {
		t.Fatalf("expected one jwks fetch, got %d", requests)
	}
	mu.Unlock()

	expired := base()
	expired["exp"] = now.Add(-time.Minute).Unix()
	if status, _ := serve(sign(expired)); status != http.StatusUnauthorized {
		t.Fatalf("expected expired token to be rejected, got %d", status)
	}
	if metrics.last() != "oidc:fail:token_expired" {
		t.Fatalf("unexpected metric %s", metrics.last())
	}

	wrongAud := base()
	wrongAud["aud"] = "https://other.example.com"
	if status, _ := serve(sign(wrongAud)); status != http.StatusUnauthorized {
		t.Fatalf("expected audience mismatch to be rejected, got %d", status)
	}

	wrongIss := base()
	wrongIss["iss"] = "https://evil.example.com"
	if status, _ := serve(sign(wrongIss)); status != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch to be rejected, got %d", status)
	}

	if status, _ := serve(""); status != http.StatusUnauthorized {
		t.Fatalf("expected missing token to be rejected, got %d", status)
	}
}
