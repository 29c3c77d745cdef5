package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanko-field/settlement/internal/services"
)

func TestInternalSweep(t *testing.T) {
	recon := &stubReconciliationService{report: services.SweepReport{Scanned: 4, Applied: 3, Failed: 1}}
	var authorized bool
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer scheduler" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			authorized = true
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(
		WithInternalRoutes(NewInternalHandlers(recon).Routes),
		WithInternalMiddlewares(guard),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/reconciliation:sweep", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected group middleware to reject, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/reconciliation:sweep", nil)
	req.Header.Set("Authorization", "Bearer scheduler")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !authorized {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp sweepResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp != (sweepResponse{Scanned: 4, Applied: 3, Failed: 1}) {
		t.Fatalf("unexpected report %+v", resp)
	}
}

func TestInternalSweepFailure(t *testing.T) {
	handler := NewInternalHandlers(&stubReconciliationService{err: errors.New("firestore down")})
	rr := httptest.NewRecorder()
	handler.sweep(rr, httptest.NewRequest(http.MethodPost, "/reconciliation:sweep", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
