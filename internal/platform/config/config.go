package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultCurrency             = "BRL"
	defaultQRMethod             = "pix"
	defaultQRExpiry             = 15 * time.Minute
	defaultSignatureHeader      = "Stripe-Signature"
	defaultSignatureTolerance   = 5 * time.Minute
	defaultWebhookMaxBody       = 256 * 1024
	defaultPricingTolerance     = 1
	defaultMaxQuantity          = 100
	defaultFreightCeiling       = 100000
	defaultQuoteCacheTTL        = 10 * time.Minute
	defaultPollInterval         = 5 * time.Second
	defaultPollTimeout          = 15 * time.Minute
	defaultSweepAge             = 10 * time.Minute
	defaultSweepBatch           = 50
	defaultCheckoutPerMinute    = 20
	defaultPaymentPerMinute     = 10
	defaultRateLimitBurst       = 5
	defaultSettlementTopic      = "order-settlement"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyLease     = 2 * time.Minute
	defaultIdempotencyCleanup   = 15 * time.Minute
	defaultIdempotencyBatch     = 200
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultFreightTable         = "correios/PAC:1500:300:8,correios/SEDEX:2900:550:3"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	Storage        StorageConfig
	PubSub         PubSubConfig
	Gateway        GatewayConfig
	Webhooks       WebhookConfig
	Pricing        PricingConfig
	Reconciliation ReconciliationConfig
	RateLimits     RateLimitConfig
	Idempotency    IdempotencyConfig
	Security       SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	WebhookArchiveBucket string
}

// PubSubConfig names the settlement event topic.
type PubSubConfig struct {
	ProjectID       string
	SettlementTopic string
}

// GatewayConfig carries the payment gateway credentials and charge defaults.
type GatewayConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
	QRMethod            string
	QRExpiry            time.Duration
}

// WebhookConfig contains webhook security parameters.
type WebhookConfig struct {
	SignatureHeader string
	Tolerance       time.Duration
	MaxBodyBytes    int64
}

// PricingConfig holds the server-side recomputation bounds. Money values are minor units.
type PricingConfig struct {
	Tolerance      int64
	MaxQuantity    int
	FreightCeiling int64
	FreightRates   []FreightRate
	QuoteCacheTTL  time.Duration
}

// FreightRate is one row of the table rate source: base price plus a per-started-kilogram charge.
type FreightRate struct {
	Carrier      string
	Service      string
	BasePrice    int64
	PerKilogram  int64
	LeadTimeDays int
}

// ReconciliationConfig controls the gateway status poller and the background sweep.
type ReconciliationConfig struct {
	Interval   time.Duration
	Timeout    time.Duration
	SweepAge   time.Duration
	SweepBatch int
}

// RateLimitConfig controls per-customer request throttling.
type RateLimitConfig struct {
	CheckoutPerMinute int
	PaymentPerMinute  int
	Burst             int
}

// IdempotencyConfig controls replay of retried checkout submissions.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	Lease            time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Gateway.StripeAPIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket: stringWithDefault(lookup, "API_STORAGE_WEBHOOK_BUCKET", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:       stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			SettlementTopic: stringWithDefault(lookup, "API_PUBSUB_SETTLEMENT_TOPIC", defaultSettlementTopic),
		},
		Gateway: GatewayConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_GATEWAY_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_GATEWAY_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToUpper(stringWithDefault(lookup, "API_GATEWAY_CURRENCY", defaultCurrency)),
			QRMethod:            strings.ToLower(stringWithDefault(lookup, "API_GATEWAY_QR_METHOD", defaultQRMethod)),
			QRExpiry:            durationWithDefault(lookup, "API_GATEWAY_QR_EXPIRY", defaultQRExpiry),
		},
		Webhooks: WebhookConfig{
			SignatureHeader: stringWithDefault(lookup, "API_WEBHOOK_SIGNATURE_HEADER", defaultSignatureHeader),
			Tolerance:       durationWithDefault(lookup, "API_WEBHOOK_TOLERANCE", defaultSignatureTolerance),
			MaxBodyBytes:    int64(intWithDefault(lookup, "API_WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBody)),
		},
		Pricing: PricingConfig{
			Tolerance:      int64(intWithDefault(lookup, "API_PRICING_TOLERANCE", defaultPricingTolerance)),
			MaxQuantity:    intWithDefault(lookup, "API_PRICING_MAX_QUANTITY", defaultMaxQuantity),
			FreightCeiling: int64(intWithDefault(lookup, "API_PRICING_FREIGHT_CEILING", defaultFreightCeiling)),
			QuoteCacheTTL:  durationWithDefault(lookup, "API_PRICING_QUOTE_CACHE_TTL", defaultQuoteCacheTTL),
		},
		Reconciliation: ReconciliationConfig{
			Interval:   durationWithDefault(lookup, "API_RECONCILE_INTERVAL", defaultPollInterval),
			Timeout:    durationWithDefault(lookup, "API_RECONCILE_TIMEOUT", defaultPollTimeout),
			SweepAge:   durationWithDefault(lookup, "API_RECONCILE_SWEEP_AGE", defaultSweepAge),
			SweepBatch: intWithDefault(lookup, "API_RECONCILE_SWEEP_BATCH", defaultSweepBatch),
		},
		RateLimits: RateLimitConfig{
			CheckoutPerMinute: intWithDefault(lookup, "API_RATELIMIT_CHECKOUT_PER_MIN", defaultCheckoutPerMinute),
			PaymentPerMinute:  intWithDefault(lookup, "API_RATELIMIT_PAYMENT_PER_MIN", defaultPaymentPerMinute),
			Burst:             intWithDefault(lookup, "API_RATELIMIT_BURST", defaultRateLimitBurst),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			Lease:            durationWithDefault(lookup, "API_IDEMPOTENCY_LEASE", defaultIdempotencyLease),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyCleanup),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
	}

	rates, err := parseFreightTable(stringWithDefault(lookup, "API_PRICING_FREIGHT_TABLE", defaultFreightTable))
	if err != nil {
		return Config{}, err
	}
	cfg.Pricing.FreightRates = rates

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	envKey := strings.ToLower(cfg.Security.Environment)
	if cfg.Security.OIDC.Audience == "" && cfg.Security.OIDC.Audiences != nil {
		if audience, ok := cfg.Security.OIDC.Audiences[envKey]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Gateway.StripeAPIKey", &cfg.Gateway.StripeAPIKey},
		{"Gateway.StripeWebhookSecret", &cfg.Gateway.StripeWebhookSecret},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if len(cfg.Gateway.Currency) != 3 {
		missing = append(missing, "Gateway.Currency")
	}
	if cfg.Gateway.QRExpiry <= 0 {
		missing = append(missing, "Gateway.QRExpiry")
	}
	if strings.TrimSpace(cfg.Webhooks.SignatureHeader) == "" {
		missing = append(missing, "Webhooks.SignatureHeader")
	}
	if cfg.Webhooks.MaxBodyBytes <= 0 {
		missing = append(missing, "Webhooks.MaxBodyBytes")
	}
	if cfg.Pricing.Tolerance < 0 {
		missing = append(missing, "Pricing.Tolerance")
	}
	if cfg.Pricing.MaxQuantity <= 0 {
		missing = append(missing, "Pricing.MaxQuantity")
	}
	if cfg.Pricing.FreightCeiling <= 0 {
		missing = append(missing, "Pricing.FreightCeiling")
	}
	if cfg.Reconciliation.Interval <= 0 {
		missing = append(missing, "Reconciliation.Interval")
	}
	if cfg.Reconciliation.Timeout < cfg.Reconciliation.Interval {
		missing = append(missing, "Reconciliation.Timeout")
	}
	if cfg.Reconciliation.SweepBatch <= 0 {
		missing = append(missing, "Reconciliation.SweepBatch")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

// parseFreightTable reads entries of the form carrier/service:base:perKg:leadDays.
func parseFreightTable(raw string) ([]FreightRate, error) {
	entries := strings.Split(raw, ",")
	rates := make([]FreightRate, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, &ValidationError{fields: []string{"Pricing.FreightRates"}}
		}
		name := strings.SplitN(parts[0], "/", 2)
		if len(name) != 2 || strings.TrimSpace(name[0]) == "" || strings.TrimSpace(name[1]) == "" {
			return nil, &ValidationError{fields: []string{"Pricing.FreightRates"}}
		}
		base, errBase := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		perKg, errKg := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		days, errDays := strconv.Atoi(strings.TrimSpace(parts[3]))
		if errBase != nil || errKg != nil || errDays != nil || base < 0 || perKg < 0 || days < 0 {
			return nil, &ValidationError{fields: []string{"Pricing.FreightRates"}}
		}
		rates = append(rates, FreightRate{
			Carrier:      strings.ToLower(strings.TrimSpace(name[0])),
			Service:      strings.ToUpper(strings.TrimSpace(name[1])),
			BasePrice:    base,
			PerKilogram:  perKg,
			LeadTimeDays: days,
		})
	}
	return rates, nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		secret := strings.TrimSpace(parts[1])
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
