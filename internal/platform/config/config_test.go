package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "shop-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "shop-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Gateway.Currency != "BRL" || cfg.Gateway.QRMethod != "pix" {
		t.Errorf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Gateway.QRExpiry != 15*time.Minute {
		t.Errorf("expected qr expiry 15m, got %s", cfg.Gateway.QRExpiry)
	}
	if cfg.Pricing.Tolerance != 1 || cfg.Pricing.MaxQuantity != 100 {
		t.Errorf("unexpected pricing defaults: %+v", cfg.Pricing)
	}
	if len(cfg.Pricing.FreightRates) != 2 {
		t.Fatalf("expected default freight table, got %+v", cfg.Pricing.FreightRates)
	}
	if rate := cfg.Pricing.FreightRates[1]; rate.Carrier != "correios" || rate.Service != "SEDEX" || rate.BasePrice != 2900 || rate.LeadTimeDays != 3 {
		t.Errorf("unexpected freight rate: %+v", rate)
	}
	if cfg.Reconciliation.Interval != 5*time.Second || cfg.Reconciliation.Timeout != 15*time.Minute {
		t.Errorf("unexpected reconciliation defaults: %+v", cfg.Reconciliation)
	}
	if cfg.Webhooks.SignatureHeader != defaultSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Webhooks.SignatureHeader)
	}
	if cfg.Idempotency.Header != "Idempotency-Key" || cfg.Idempotency.Lease != 2*time.Minute || cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_WRITE_TIMEOUT":          "25s",
		"API_FIREBASE_PROJECT_ID":           "shop-prod",
		"API_FIRESTORE_PROJECT_ID":          "shop-fire",
		"API_STORAGE_WEBHOOK_BUCKET":        "webhooks-prod",
		"API_PUBSUB_SETTLEMENT_TOPIC":       "settlements",
		"API_GATEWAY_STRIPE_API_KEY":        "secret://stripe/api",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook",
		"API_GATEWAY_CURRENCY":              "usd",
		"API_GATEWAY_QR_EXPIRY":             "10m",
		"API_WEBHOOK_TOLERANCE":             "2m",
		"API_PRICING_TOLERANCE":             "2",
		"API_PRICING_MAX_QUANTITY":          "50",
		"API_PRICING_FREIGHT_TABLE":         "ups/Ground:900:100:5",
		"API_RECONCILE_INTERVAL":            "10s",
		"API_RECONCILE_TIMEOUT":             "5m",
		"API_RATELIMIT_CHECKOUT_PER_MIN":    "3",
		"API_SECURITY_ENVIRONMENT":          "PROD",
		"API_SECURITY_OIDC_AUDIENCES":       "prod=https://settlement.example.com",
		"API_SECURITY_OIDC_ISSUERS":         "https://accounts.google.com, https://issuer.example.com",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "sk_live",
		"secret://stripe/webhook": "whsec_live",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if value, ok := secrets[ref]; ok {
			return value, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
		WithRequiredSecrets("Gateway.StripeAPIKey", "Gateway.StripeWebhookSecret"),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "shop-fire" || cfg.PubSub.ProjectID != "shop-fire" {
		t.Errorf("unexpected project ids: firestore=%s pubsub=%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Storage.WebhookArchiveBucket != "webhooks-prod" {
		t.Errorf("unexpected webhook bucket %s", cfg.Storage.WebhookArchiveBucket)
	}
	if cfg.PubSub.SettlementTopic != "settlements" {
		t.Errorf("unexpected settlement topic %s", cfg.PubSub.SettlementTopic)
	}
	if cfg.Gateway.StripeAPIKey != "sk_live" || cfg.Gateway.StripeWebhookSecret != "whsec_live" {
		t.Errorf("expected secrets to be resolved, got %+v", cfg.Gateway)
	}
	if cfg.Gateway.Currency != "USD" || cfg.Gateway.QRExpiry != 10*time.Minute {
		t.Errorf("unexpected gateway overrides: %+v", cfg.Gateway)
	}
	if cfg.Webhooks.Tolerance != 2*time.Minute {
		t.Errorf("unexpected webhook tolerance %s", cfg.Webhooks.Tolerance)
	}
	if cfg.Pricing.Tolerance != 2 || cfg.Pricing.MaxQuantity != 50 {
		t.Errorf("unexpected pricing overrides: %+v", cfg.Pricing)
	}
	if len(cfg.Pricing.FreightRates) != 1 || cfg.Pricing.FreightRates[0].Carrier != "ups" || cfg.Pricing.FreightRates[0].Service != "GROUND" {
		t.Errorf("unexpected freight rates: %+v", cfg.Pricing.FreightRates)
	}
	if cfg.Reconciliation.Interval != 10*time.Second || cfg.Reconciliation.Timeout != 5*time.Minute {
		t.Errorf("unexpected reconciliation overrides: %+v", cfg.Reconciliation)
	}
	if cfg.RateLimits.CheckoutPerMinute != 3 {
		t.Errorf("unexpected checkout rate limit %d", cfg.RateLimits.CheckoutPerMinute)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://settlement.example.com" {
		t.Errorf("expected environment audience, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 || cfg.Security.OIDC.Issuers[1] != "https://issuer.example.com" {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"shop-dot\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "shop-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if fields := validationErr.Fields(); len(fields) != 2 || fields[0] != "Firebase.ProjectID" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadRejectsInvalidReconciliationWindow(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
		"API_RECONCILE_INTERVAL":  "1m",
		"API_RECONCILE_TIMEOUT":   "30s",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validationErr.Fields(); len(fields) != 1 || fields[0] != "Reconciliation.Timeout" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadRejectsMalformedFreightTable(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":   "shop-dev",
		"API_PRICING_FREIGHT_TABLE": "correios-pac:1500",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":    "shop-dev",
		"API_GATEWAY_STRIPE_API_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_DEFAULT_PROJECT", "project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_DEFAULT_PROJECT"]; got != "project-prod" {
		t.Fatalf("expected system env project, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Gateway.StripeWebhookSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Gateway.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Gateway.StripeAPIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Gateway.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":           "shop-dev",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Gateway.StripeWebhookSecret)
	}
}
