package storage

import (
	"context"

	"github.com/gabriel-vasile/mimetype"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// ImageSource loads images to scan from a backing store.
type ImageSource interface {
	FetchImage(ctx context.Context, ref string) (*models.ImageFile, error)
}

// MaxImageBytes caps the size of a fetched image.
const MaxImageBytes = 20 << 20

// newImageFile labels data with its sniffed media type. The declared type of the
// source is ignored since object stores and servers often report octet-stream.
func newImageFile(name string, data []byte) *models.ImageFile {
	return &models.ImageFile{
		Name:        name,
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}
}
