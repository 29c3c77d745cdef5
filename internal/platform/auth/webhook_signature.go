package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWebhookSignatureHeader = "Stripe-Signature"
	defaultWebhookTolerance       = 5 * time.Minute
	defaultWebhookMaxBody         = 256 * 1024
)

var (
	// ErrSignatureMissing is returned when the signature header is absent or has no v1 entry.
	ErrSignatureMissing = errors.New("auth: webhook signature missing")
	// ErrSignatureMalformed is returned when the header cannot be parsed.
	ErrSignatureMalformed = errors.New("auth: webhook signature malformed")
	// ErrSignatureExpired is returned when the signed timestamp is outside the tolerance window.
	ErrSignatureExpired = errors.New("auth: webhook signature timestamp outside tolerance")
	// ErrSignatureMismatch is returned when no supplied signature matches the payload.
	ErrSignatureMismatch = errors.New("auth: webhook signature mismatch")
)

// Logger is the printf-style logger used by the verification middlewares.
type Logger interface {
	Printf(format string, args ...any)
}

// VerificationRecorder counts verification outcomes.
type VerificationRecorder interface {
	RecordVerification(kind string, success bool, reason string)
}

// SecretProvider resolves the shared webhook secret.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecret returns a provider that always yields the given secret.
func StaticSecret(secret string) SecretProvider {
	return SecretProviderFunc(func(context.Context, string) (string, error) {
		if strings.TrimSpace(secret) == "" {
			return "", errors.New("auth: webhook secret is empty")
		}
		return secret, nil
	})
}

// WebhookVerifier authenticates gateway callbacks. The signature header has the form
// "t=<unix seconds>,v1=<hex hmac>[,v1=...]" and the MAC is HMAC-SHA256 over "<t>.<raw body>".
type WebhookVerifier struct {
	secrets    SecretProvider
	secretName string
	header     string
	tolerance  time.Duration
	maxBody    int64
	now        func() time.Time
	logger     Logger
	metrics    VerificationRecorder
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// WithWebhookHeader overrides the signature header name.
func WithWebhookHeader(name string) WebhookOption {
	return func(v *WebhookVerifier) {
		if strings.TrimSpace(name) != "" {
			v.header = strings.TrimSpace(name)
		}
	}
}

// WithWebhookTolerance sets the accepted clock skew for signed timestamps.
func WithWebhookTolerance(d time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithWebhookMaxBody bounds the body read for verification.
func WithWebhookMaxBody(limit int64) WebhookOption {
	return func(v *WebhookVerifier) {
		if limit > 0 {
			v.maxBody = limit
		}
	}
}

// WithWebhookClock injects the time source.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithWebhookLogger sets the logger used for rejected deliveries.
func WithWebhookLogger(logger Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		v.logger = logger
	}
}

// WithWebhookMetrics sets the outcome recorder.
func WithWebhookMetrics(metrics VerificationRecorder) WebhookOption {
	return func(v *WebhookVerifier) {
		v.metrics = metrics
	}
}

// NewWebhookVerifier constructs a verifier resolving secretName through secrets.
func NewWebhookVerifier(secrets SecretProvider, secretName string, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{
		secrets:    secrets,
		secretName: secretName,
		header:     defaultWebhookSignatureHeader,
		tolerance:  defaultWebhookTolerance,
		maxBody:    defaultWebhookMaxBody,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks header against payload using secret. It never reveals the expected signature.
func (v *WebhookVerifier) Verify(payload []byte, header, secret string) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if skew := v.now().Sub(timestamp); skew > v.tolerance || skew < -v.tolerance {
		return ErrSignatureExpired
	}
	expected := computeWebhookMAC([]byte(secret), timestamp.Unix(), payload)
	for _, candidate := range signatures {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// RequireSignature rejects requests whose body does not carry a valid signature. The verified
// body is restored on the request for the downstream handler.
func (v *WebhookVerifier) RequireSignature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			secret, err := v.secrets.GetSecret(ctx, v.secretName)
			if err != nil {
				v.reject(r, "secret_unavailable", err)
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook verification unavailable")
				return
			}

			body, err := readAndRestoreBody(r, v.maxBody)
			if err != nil {
				v.reject(r, "body_unreadable", err)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
				return
			}

			if err := v.Verify(body, r.Header.Get(v.header), secret); err != nil {
				v.reject(r, rejectionReason(err), err)
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
				return
			}

			if v.metrics != nil {
				v.metrics.RecordVerification("webhook", true, "ok")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *WebhookVerifier) reject(r *http.Request, reason string, err error) {
	if v.metrics != nil {
		v.metrics.RecordVerification("webhook", false, reason)
	}
	if v.logger != nil {
		v.logger.Printf("auth: webhook rejected reason=%s remote=%s user_agent=%q err=%v",
			reason, remoteHost(r), r.UserAgent(), err)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrSignatureMissing):
		return "signature_missing"
	case errors.Is(err, ErrSignatureMalformed):
		return "signature_malformed"
	case errors.Is(err, ErrSignatureExpired):
		return "timestamp_skew"
	default:
		return "signature_mismatch"
	}
}

// SignWebhookPayload produces a header value in the format accepted by WebhookVerifier.
func SignWebhookPayload(secret string, payload []byte, at time.Time) string {
	mac := computeWebhookMAC([]byte(secret), at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac))
}

func parseSignatureHeader(header string) (time.Time, [][]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, nil, ErrSignatureMissing
	}
	var (
		timestamp  time.Time
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return time.Time{}, nil, ErrSignatureMalformed
		}
		switch key {
		case "t":
			seconds, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, nil, ErrSignatureMalformed
			}
			timestamp = time.Unix(seconds, 0)
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, decoded)
		}
	}
	if timestamp.IsZero() {
		return time.Time{}, nil, ErrSignatureMalformed
	}
	if len(signatures) == 0 {
		return time.Time{}, nil, ErrSignatureMissing
	}
	return timestamp, signatures, nil
}

func computeWebhookMAC(secret []byte, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("auth: empty body")
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, errors.New("auth: body exceeds limit")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
