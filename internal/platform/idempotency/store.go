package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultTTL is how long a completed submission can be replayed.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long an unfinished submission blocks retries with the same key.
	DefaultLease = 2 * time.Minute
)

// ErrKeyReused is returned when a key is presented again with a different request body.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// ReservationState is the outcome of Store.Reserve.
type ReservationState int

const (
	// ReservationAcquired means the caller owns the key and must Complete or Release it.
	ReservationAcquired ReservationState = iota
	// ReservationReplay means a finished response is stored and should be returned verbatim.
	ReservationReplay
	// ReservationInFlight means another request holds an unexpired lease on the key.
	ReservationInFlight
)

// Reservation carries the stored response when State is ReservationReplay.
type Reservation struct {
	State    ReservationState
	Response Response
}

// Response is the persisted handler output.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Key scopes a client-supplied idempotency key to one customer and one route.
type Key struct {
	Customer string
	Route    string
	Value    string
}

// ID is the storage identifier. Raw client keys never reach the store.
func (k Key) ID() string {
	return hashHex(strings.Join([]string{
		strings.TrimSpace(k.Customer),
		strings.TrimSpace(k.Route),
		strings.TrimSpace(k.Value),
	}, "\x00"))
}

// Store persists submission reservations.
type Store interface {
	// Reserve acquires key for fingerprint until now+lease, or reports an existing holder.
	Reserve(ctx context.Context, key Key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error)
	// Complete stores resp for replay until now+ttl.
	Complete(ctx context.Context, key Key, resp Response, now time.Time, ttl time.Duration) error
	// Release drops an acquired reservation so the client can retry immediately.
	Release(ctx context.Context, key Key) error
	// Purge deletes up to limit records that expired before now.
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// Fingerprint identifies a request body.
func Fingerprint(body []byte) string {
	return hashHex(string(body))
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type recordState string

const (
	statePending   recordState = "pending"
	stateCompleted recordState = "completed"
)

type record struct {
	Fingerprint string
	State       recordState
	Response    Response
	ExpiresAt   time.Time
}

// reserve applies the reservation rules to an existing record. It returns the reservation and the
// record to write back, or nil when the stored record is left untouched.
func reserve(existing *record, fingerprint string, now time.Time, lease time.Duration) (Reservation, *record, error) {
	fresh := &record{Fingerprint: fingerprint, State: statePending, ExpiresAt: now.Add(lease)}
	if existing == nil || !now.Before(existing.ExpiresAt) {
		return Reservation{State: ReservationAcquired}, fresh, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, nil, ErrKeyReused
	}
	if existing.State == stateCompleted {
		return Reservation{State: ReservationReplay, Response: existing.Response}, nil, nil
	}
	return Reservation{State: ReservationInFlight}, nil, nil
}
