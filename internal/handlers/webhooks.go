package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/services"
)

const (
	defaultWebhookBodyLimit = 256 * 1024
	defaultSignatureHeader  = "Stripe-Signature"
)

// WebhookHandlers receives gateway callbacks. Signature verification runs as group middleware;
// once a request reaches the handler it is always acknowledged with 200 so the gateway does not
// retry deliveries that were recorded but could not be applied.
type WebhookHandlers struct {
	ingestor        services.WebhookService
	signatureHeader string
	maxBody         int64
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookSignatureHeader names the header copied into the audit record.
func WithWebhookSignatureHeader(name string) WebhookOption {
	return func(h *WebhookHandlers) {
		if name = strings.TrimSpace(name); name != "" {
			h.signatureHeader = name
		}
	}
}

// WithWebhookBodyLimit caps the accepted payload size.
func WithWebhookBodyLimit(limit int64) WebhookOption {
	return func(h *WebhookHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// NewWebhookHandlers constructs the payment webhook endpoint.
func NewWebhookHandlers(ingestor services.WebhookService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		ingestor:        ingestor,
		signatureHeader: defaultSignatureHeader,
		maxBody:         defaultWebhookBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /payments under the webhook group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.payments)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

func (h *WebhookHandlers) payments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ingestor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}
	body, err := httpx.ReadBody(r, h.maxBody)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Outcome: string(services.WebhookUnparseable)})
		return
	}

	outcome := h.ingestor.Ingest(ctx, services.WebhookDelivery{
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		RemoteAddr:  clientAddr(r),
		Signature:   r.Header.Get(h.signatureHeader),
	})
	writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Outcome: string(outcome)})
}

func clientAddr(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
