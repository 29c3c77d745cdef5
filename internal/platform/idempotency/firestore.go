package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
)

const submissionsCollection = "checkoutSubmissions"

// FirestoreStore keeps reservations in Firestore so retries are recognised across instances.
type FirestoreStore struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[submissionDocument]
}

type submissionDocument struct {
	Fingerprint         string    `firestore:"fingerprint"`
	State               string    `firestore:"state"`
	ResponseStatus      int       `firestore:"responseStatus,omitempty"`
	ResponseContentType string    `firestore:"responseContentType,omitempty"`
	ResponseBody        []byte    `firestore:"responseBody,omitempty"`
	ExpiresAt           time.Time `firestore:"expiresAt"`
	UpdatedAt           time.Time `firestore:"updatedAt"`
}

func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{
		provider: provider,
		base:     pfirestore.NewBaseRepository[submissionDocument](provider, submissionsCollection),
	}, nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key Key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error) {
	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := s.base.DocumentRef(ctx, key.ID())
		if err != nil {
			return err
		}
		var existing *record
		doc, err := s.base.GetTx(tx, ref)
		switch {
		case err == nil:
			rec := doc.Data.toRecord()
			existing = &rec
		case !isNotFound(err):
			return err
		}

		reservation, next, err := reserve(existing, fingerprint, now, lease)
		if err != nil {
			return err
		}
		result = reservation
		if next == nil {
			return nil
		}
		return s.base.SetTx(tx, ref, newSubmissionDocument(*next, now))
	})
	if err != nil {
		return Reservation{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key Key, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.base.DocumentRef(ctx, key.ID())
	if err != nil {
		return err
	}
	doc := newSubmissionDocument(record{
		State:     stateCompleted,
		Response:  resp,
		ExpiresAt: now.Add(ttl),
	}, now)
	_, err = ref.Set(ctx, map[string]any{
		"state":               doc.State,
		"responseStatus":      doc.ResponseStatus,
		"responseContentType": doc.ResponseContentType,
		"responseBody":        doc.ResponseBody,
		"expiresAt":           doc.ExpiresAt,
		"updatedAt":           doc.UpdatedAt,
	}, firestore.MergeAll)
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key Key) error {
	ref, err := s.base.DocumentRef(ctx, key.ID())
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("idempotency.release", err)
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now).OrderBy("expiresAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, doc := range docs {
		ref, err := s.base.DocumentRef(ctx, doc.ID)
		if err != nil {
			return removed, err
		}
		if _, err := ref.Delete(ctx, firestore.LastUpdateTime(doc.UpdateTime)); err != nil {
			// Refreshed by a concurrent Reserve; leave it for the next pass.
			continue
		}
		removed++
	}
	return removed, nil
}

func newSubmissionDocument(rec record, now time.Time) submissionDocument {
	return submissionDocument{
		Fingerprint:         rec.Fingerprint,
		State:               string(rec.State),
		ResponseStatus:      rec.Response.Status,
		ResponseContentType: rec.Response.ContentType,
		ResponseBody:        rec.Response.Body,
		ExpiresAt:           rec.ExpiresAt.UTC(),
		UpdatedAt:           now.UTC(),
	}
}

func (d submissionDocument) toRecord() record {
	return record{
		Fingerprint: d.Fingerprint,
		State:       recordState(d.State),
		Response: Response{
			Status:      d.ResponseStatus,
			ContentType: d.ResponseContentType,
			Body:        d.ResponseBody,
		},
		ExpiresAt: d.ExpiresAt,
	}
}

func isNotFound(err error) bool {
	var repoErr *pfirestore.Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
