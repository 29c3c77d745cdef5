package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const defaultJWKSRefreshInterval = 15 * time.Minute

// ErrJWKSKeyNotFound is returned when the key set does not contain the requested kid.
var ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")

// JWKSCache fetches and caches the signing keys used for Google-issued OIDC tokens.
type JWKSCache struct {
	url      string
	client   *http.Client
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch JWKS documents.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a JWKS cache for the provided URL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		interval: defaultJWKSRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Key resolves the public key for kid, refetching the key set when it is stale or lacks kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && c.now().Before(c.expiry) {
		return key.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("auth: build jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("auth: decode jwks: %w", err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.KeyID != "" && key.Valid() {
			keys[key.KeyID] = key
		}
	}
	c.keys = keys
	c.expiry = c.now().Add(c.interval)
	return nil
}

// OIDCValidator verifies Google-signed identity tokens sent by Cloud Scheduler and other
// internal callers.
type OIDCValidator struct {
	keys    *JWKSCache
	now     func() time.Time
	logger  Logger
	metrics VerificationRecorder
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger sets the logger used for rejected tokens.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) { v.logger = logger }
}

// WithOIDCMetrics sets the outcome recorder.
func WithOIDCMetrics(metrics VerificationRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = metrics }
}

// WithOIDCClock injects the time source used for expiry checks.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs a validator backed by the key cache.
func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOIDC accepts only RS256 bearer tokens issued by one of issuers for audience.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || v == nil || v.keys == nil {
				v.record(false, "not_configured")
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.record(false, "token_missing")
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			identity, reason, err := v.validate(ctx, raw, audience, issuers)
			if err != nil {
				v.record(false, reason)
				if v.logger != nil {
					v.logger.Printf("auth: oidc token rejected reason=%s err=%v", reason, err)
				}
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}

			v.record(true, "ok")
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) validate(ctx context.Context, raw, audience string, issuers []string) (*ServiceIdentity, string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, "signature_invalid", err
	}

	now := v.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, "token_expired", errors.New("auth: token expired")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return nil, "token_not_yet_valid", errors.New("auth: token issued in the future")
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, "audience_mismatch", fmt.Errorf("auth: audience mismatch, want %s", audience)
	}
	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		return nil, "issuer_mismatch", fmt.Errorf("auth: issuer %q not allowed", issuer)
	}

	identity := &ServiceIdentity{Issuer: issuer, Audience: audienceList(claims["aud"])}
	identity.Subject, _ = claims["sub"].(string)
	identity.Email, _ = claims["email"].(string)
	return identity, "ok", nil
}

func (v *OIDCValidator) record(success bool, reason string) {
	if v != nil && v.metrics != nil {
		v.metrics.RecordVerification("oidc", success, reason)
	}
}

func audienceList(raw any) []string {
	switch aud := raw.(type) {
	case string:
		return []string{aud}
	case []any:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return aud
	}
	return nil
}
