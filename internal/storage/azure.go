package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/stampstore/stampstore/internal/config"
	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the blob provider uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// ContainerExists checks that the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlobs implements BlobAPI on Azure Blob Storage. Survey buckets are
// containers.
type AzureBlobs struct {
	client AzureBlobAPI
}

// NewAzureBlobs creates an Azure Blob client from cfg.
func NewAzureBlobs(cfg config.AzureConfig) (*AzureBlobs, error) {
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	if accountURL == "" && cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure: account_url, account or connection_string is required")
	}
	client, err := newRealAzureClient(accountURL, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	return &AzureBlobs{client: client}, nil
}

// NewAzureBlobsWithClient wraps a pre-configured client. This is primarily
// used for testing with mock clients.
func NewAzureBlobsWithClient(client AzureBlobAPI) *AzureBlobs {
	return &AzureBlobs{client: client}
}

// GetBlob downloads a blob.
func (b *AzureBlobs) GetBlob(ctx context.Context, container, name string) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, stamperr.ErrNotFound
		}
		return nil, fmt.Errorf("downloading from Azure: %w", err)
	}
	return data, nil
}

// PutBlob uploads a blob, overwriting any existing one.
func (b *AzureBlobs) PutBlob(ctx context.Context, container, name string, data []byte) error {
	if err := b.client.UploadBlob(ctx, container, name, data); err != nil {
		return fmt.Errorf("uploading to Azure: %w", err)
	}
	return nil
}

// HealthCheck verifies the container is accessible.
func (b *AzureBlobs) HealthCheck(ctx context.Context, container string) error {
	if err := b.client.ContainerExists(ctx, container); err != nil {
		return fmt.Errorf("Azure health check: %w", err)
	}
	return nil
}

// isAzureNotFound reports a missing blob. A missing container is a
// configuration fault and is not treated as a miss.
func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

var _ BlobAPI = (*AzureBlobs)(nil)
