package models

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// ImageFile is an uploaded or fetched image awaiting recognition.
type ImageFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// IsImage reports whether the file is present and declares an image media type.
func (f *ImageFile) IsImage() bool {
	return f != nil && len(f.Data) > 0 && strings.HasPrefix(strings.ToLower(f.ContentType), "image/")
}

// Decode decodes the image payload.
func (f *ImageFile) Decode() (image.Image, error) {
	if f == nil {
		return nil, fmt.Errorf("no image file")
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %q: %w", f.Name, err)
	}
	return img, nil
}
