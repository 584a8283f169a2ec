// Package storage implements the record tiers: the per-survey object store,
// the sharded local disk and the remote alert broker.
//
// Every tier reports a missing record as errors.ErrNotFound so the caller can
// fall through to the next one. Any other error is a real failure.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// Fetcher reads the raw record bytes for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key alert.Key) ([]byte, error)
}

// Storer writes raw record bytes for a key, overwriting any previous copy.
type Storer interface {
	Store(ctx context.Context, key alert.Key, data []byte) error
}

// Tier is a store that can be both read and written.
type Tier interface {
	Fetcher
	Storer
}

// BlobAPI is the provider surface the object store needs. GetBlob must
// return an error wrapping errors.ErrNotFound when the blob does not exist.
// All methods must be safe for concurrent use.
type BlobAPI interface {
	GetBlob(ctx context.Context, bucket, name string) ([]byte, error)
	PutBlob(ctx context.Context, bucket, name string, data []byte) error
	// HealthCheck verifies that bucket is reachable.
	HealthCheck(ctx context.Context, bucket string) error
}

// ObjectStore is the fast tier. Each survey maps to its own bucket and
// records are named "<reversed candid>.avro".
type ObjectStore struct {
	blobs   BlobAPI
	buckets map[string]string
	timeout time.Duration
}

// ObjectStoreOption configures an ObjectStore.
type ObjectStoreOption func(*ObjectStore)

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) ObjectStoreOption {
	return func(s *ObjectStore) {
		s.timeout = d
	}
}

// NewObjectStore creates an ObjectStore over blobs. buckets maps survey ids
// to bucket names.
func NewObjectStore(blobs BlobAPI, buckets map[string]string, opts ...ObjectStoreOption) *ObjectStore {
	s := &ObjectStore{
		blobs:   blobs,
		buckets: make(map[string]string, len(buckets)),
	}
	for survey, bucket := range buckets {
		s.buckets[survey] = bucket
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ObjectStore) locate(key alert.Key) (bucket, name string, err error) {
	bucket, ok := s.buckets[key.Survey]
	if !ok {
		return "", "", fmt.Errorf("survey %q: %w", key.Survey, stamperr.ErrUnknownSurvey)
	}
	name, err = alert.ObjectName(key.Candid)
	if err != nil {
		return "", "", err
	}
	return bucket, name, nil
}

func (s *ObjectStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Fetch reads the record for key from the survey's bucket.
func (s *ObjectStore) Fetch(ctx context.Context, key alert.Key) ([]byte, error) {
	bucket, name, err := s.locate(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	data, err := s.blobs.GetBlob(ctx, bucket, name)
	if err != nil {
		return nil, fmt.Errorf("object store %s/%s: %w", bucket, name, err)
	}
	return data, nil
}

// Store uploads data for key, replacing any existing object.
func (s *ObjectStore) Store(ctx context.Context, key alert.Key, data []byte) error {
	bucket, name, err := s.locate(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.blobs.PutBlob(ctx, bucket, name, data); err != nil {
		return fmt.Errorf("object store %s/%s: %w", bucket, name, err)
	}
	slog.Debug("Record stored in object store", "bucket", bucket, "name", name, "size", len(data))
	return nil
}

// HealthCheck verifies every configured bucket is reachable. Each bucket
// check is bounded by the per-call timeout.
func (s *ObjectStore) HealthCheck(ctx context.Context) error {
	for survey, bucket := range s.buckets {
		if err := s.checkBucket(ctx, bucket); err != nil {
			return fmt.Errorf("survey %s bucket %q: %w", survey, bucket, err)
		}
	}
	return nil
}

func (s *ObjectStore) checkBucket(ctx context.Context, bucket string) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.blobs.HealthCheck(ctx, bucket)
}

var _ Tier = (*ObjectStore)(nil)
