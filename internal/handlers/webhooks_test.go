package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/services"
)

const webhookSecret = "whsec_test"

func newWebhookTestRouter(ingestor services.WebhookService) http.Handler {
	verifier := auth.NewWebhookVerifier(auth.StaticSecret(webhookSecret), "stripe-webhook-secret")
	return NewRouter(
		WithWebhookRoutes(NewWebhookHandlers(ingestor).Routes),
		WithWebhookMiddlewares(verifier.RequireSignature()),
	)
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v (%s)", err, rr.Body.String())
	}
	return ack
}

func TestWebhookAcknowledgesSignedDelivery(t *testing.T) {
	ingestor := &stubWebhookService{outcome: services.WebhookApplied}
	router := newWebhookTestRouter(ingestor)

	body := `{"type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`
	signature := auth.SignWebhookPayload(webhookSecret, []byte(body), time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signature)
	req.RemoteAddr = "203.0.113.9:4711"

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ack := decodeAck(t, rr); !ack.Received || ack.Outcome != "applied" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if len(ingestor.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(ingestor.deliveries))
	}
	got := ingestor.deliveries[0]
	if string(got.Body) != body {
		t.Fatalf("body not restored for handler: %q", got.Body)
	}
	if got.Signature != signature || got.RemoteAddr != "203.0.113.9" || got.ContentType != "application/json" {
		t.Fatalf("unexpected delivery metadata %+v", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ingestor := &stubWebhookService{outcome: services.WebhookApplied}
	router := newWebhookTestRouter(ingestor)

	body := `{"type":"charge.succeeded"}`
	cases := map[string]string{
		"missing":  "",
		"wrong":    auth.SignWebhookPayload("whsec_other", []byte(body), time.Now()),
		"stale":    auth.SignWebhookPayload(webhookSecret, []byte(body), time.Now().Add(-time.Hour)),
		"tampered": auth.SignWebhookPayload(webhookSecret, []byte(`{"type":"charge.failed"}`), time.Now()),
	}
	for name, signature := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", strings.NewReader(body))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
	}
	if len(ingestor.deliveries) != 0 {
		t.Fatalf("unsigned deliveries must not reach the ingestor")
	}
}

func TestWebhookAlwaysAcknowledgesIngestOutcomes(t *testing.T) {
	for _, outcome := range []services.WebhookOutcome{
		services.WebhookIgnored,
		services.WebhookOrderNotFound,
		services.WebhookUnparseable,
		services.WebhookError,
	} {
		handler := NewWebhookHandlers(&stubWebhookService{outcome: outcome})
		req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{}`))
		rr := httptest.NewRecorder()
		handler.payments(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", outcome, rr.Code)
		}
		if ack := decodeAck(t, rr); ack.Outcome != string(outcome) {
			t.Fatalf("expected outcome %s, got %+v", outcome, ack)
		}
	}
}

func TestWebhookOversizedBodyIsAcknowledged(t *testing.T) {
	ingestor := &stubWebhookService{outcome: services.WebhookApplied}
	handler := NewWebhookHandlers(ingestor, WithWebhookBodyLimit(8))
	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{"type":"charge.succeeded"}`))
	rr := httptest.NewRecorder()
	handler.payments(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ack := decodeAck(t, rr); ack.Outcome != "unparseable" {
		t.Fatalf("expected unparseable outcome, got %+v", ack)
	}
	if len(ingestor.deliveries) != 0 {
		t.Fatalf("oversized body must not be ingested")
	}
}
