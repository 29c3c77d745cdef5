package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/httpx"
)

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

func init() {
	requestValidator.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeAndValidate decodes a bounded JSON body into dst and runs the struct validation tags.
// It writes the error response itself and reports whether the handler should continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if !httpx.DecodeJSON(w, r, limit, dst) {
		return false
	}
	if err := requestValidator.Struct(dst); err != nil {
		writeValidationError(r.Context(), w, err)
		return false
	}
	return true
}

func writeValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is invalid", http.StatusBadRequest))
		return
	}
	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fieldPath(fe.Namespace())] = fe.Tag()
	}
	first := fieldErrs[0]
	message := fmt.Sprintf("%s failed %s validation", fieldPath(first.Namespace()), first.Tag())
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest).WithDetails(map[string]any{"fields": fields}))
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func customerID(ctx context.Context) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		return "", false
	}
	uid := strings.TrimSpace(identity.UID)
	return uid, uid != ""
}

func writeUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
}

func writeRateLimited(ctx context.Context, w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests; try again shortly", http.StatusTooManyRequests))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
