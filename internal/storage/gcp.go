package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/stampstore/stampstore/internal/config"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the blob
// provider uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// BucketExists checks that the bucket is reachable.
	BucketExists(ctx context.Context, bucket string) error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/avro+binary"
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSBlobs implements BlobAPI on Google Cloud Storage.
type GCSBlobs struct {
	client GCSAPI
}

// NewGCSBlobs creates a GCS client. Credentials come from Application Default
// Credentials unless cfg.NoAuth is set for an emulator.
func NewGCSBlobs(ctx context.Context, cfg config.GCPConfig) (*GCSBlobs, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.NoAuth {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	return &GCSBlobs{client: &realGCSClient{client: client}}, nil
}

// NewGCSBlobsWithClient wraps a pre-configured client. This is primarily used
// for testing with mock clients.
func NewGCSBlobsWithClient(client GCSAPI) *GCSBlobs {
	return &GCSBlobs{client: client}
}

// GetBlob downloads an object.
func (b *GCSBlobs) GetBlob(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := b.client.NewReader(ctx, bucket, name)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, stamperr.ErrNotFound
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading GCS object: %w", err)
	}
	return data, nil
}

// PutBlob uploads an object, overwriting any existing one.
func (b *GCSBlobs) PutBlob(ctx context.Context, bucket, name string, data []byte) error {
	w := b.client.NewWriter(ctx, bucket, name)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// HealthCheck verifies the bucket is accessible.
func (b *GCSBlobs) HealthCheck(ctx context.Context, bucket string) error {
	if err := b.client.BucketExists(ctx, bucket); err != nil {
		return fmt.Errorf("GCS health check: %w", err)
	}
	return nil
}

var _ BlobAPI = (*GCSBlobs)(nil)
