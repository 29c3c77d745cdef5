package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	defaultMaxBody    = 64 * 1024
	maxKeyLength      = 255
)

// Logger receives store failures. The request itself is never failed because of them.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	header  string
	ttl     time.Duration
	lease   time.Duration
	maxBody int64
	clock   func() time.Time
	logger  Logger
}

// Option customises Middleware.
type Option func(*middlewareConfig)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLease sets how long an unfinished submission blocks duplicates.
func WithLease(lease time.Duration) Option {
	return func(cfg *middlewareConfig) {
		if lease > 0 {
			cfg.lease = lease
		}
	}
}

// WithMaxBody caps the body buffered for fingerprinting.
func WithMaxBody(limit int64) Option {
	return func(cfg *middlewareConfig) {
		if limit > 0 {
			cfg.maxBody = limit
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware makes POST submissions carrying an idempotency key safe to retry. The first request
// with a key runs the handler; later requests with the same key and body receive the stored
// response. It must run after customer authentication, since keys are scoped per customer.
// Requests without a key, or without an authenticated customer, pass through untouched.
// 5xx responses are not stored so the client can retry them.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		lease:   DefaultLease,
		maxBody: defaultMaxBody,
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			value := strings.TrimSpace(r.Header.Get(cfg.header))
			identity, ok := auth.IdentityFromContext(ctx)
			if r.Method != http.MethodPost || value == "" || !ok || identity == nil || identity.UID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(value) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := httpx.ReadBody(r, cfg.maxBody)
			if err != nil {
				status := http.StatusBadRequest
				if errors.Is(err, httpx.ErrBodyTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := Key{Customer: identity.UID, Route: r.URL.Path, Value: value}
			reservation, err := store.Reserve(ctx, key, Fingerprint(body), cfg.clock().UTC(), cfg.lease)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				cfg.printf("idempotency: reserve failed; serving without replay protection: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			switch reservation.State {
			case ReservationReplay:
				writeStored(w, reservation.Response)
				return
			case ReservationInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("submission_in_progress", "an identical request is still being processed", http.StatusConflict))
				return
			}

			rec := &capture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, key); err != nil {
					cfg.printf("idempotency: release failed: %v", err)
				}
				return
			}
			resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
			if err := store.Complete(ctx, key, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.printf("idempotency: complete failed: %v", err)
			}
		})
	}
}

func (cfg middlewareConfig) printf(format string, args ...any) {
	if cfg.logger != nil {
		cfg.logger.Printf(format, args...)
	}
}

func writeStored(w http.ResponseWriter, resp Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(replayHeaderName, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// capture streams the response through while keeping a copy of the status and body.
type capture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capture) Write(data []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(data)
	return c.ResponseWriter.Write(data)
}
