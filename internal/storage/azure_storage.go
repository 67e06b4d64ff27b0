package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

type azureStorage struct {
	client    *azblob.Client
	container string
}

// NewAzureStorage reads images from a blob container using a shared key
func NewAzureStorage(accountName, accountKey, container string) (ImageSource, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &azureStorage{client: client, container: container}, nil
}

// FetchImage accepts a blob name in the configured container, or a full blob URL.
func (s *azureStorage) FetchImage(ctx context.Context, ref string) (*models.ImageFile, error) {
	container, blobName, err := s.locate(ref)
	if err != nil {
		return nil, err
	}

	downloadResponse, err := s.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	retryReader := downloadResponse.Body
	defer retryReader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(retryReader, MaxImageBytes+1)); err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if buf.Len() > MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}
	return newImageFile(blobName, buf.Bytes()), nil
}

func (s *azureStorage) locate(ref string) (string, string, error) {
	if !strings.Contains(ref, "://") {
		if s.container == "" || ref == "" {
			return "", "", fmt.Errorf("blob reference %q needs a container", ref)
		}
		return s.container, strings.TrimPrefix(ref, "/"), nil
	}

	parsedURL, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid blob URL: %w", err)
	}
	parts := strings.SplitN(strings.TrimPrefix(parsedURL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid blob URL: %s", ref)
	}
	return parts[0], parts[1], nil
}
