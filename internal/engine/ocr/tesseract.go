package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/otiai10/gosseract/v2"

	"github.com/anime-shed/card-scanner-go/internal/engine"
)

// TextExtractor reads text from a frame. Implementations need not be safe for
// concurrent use; each runner owns one.
type TextExtractor interface {
	Text(ctx context.Context, img image.Image) (string, error)
	Close() error
}

type tesseractExtractor struct {
	client *gosseract.Client
}

// NewTesseractExtractor creates a Tesseract client configured for card text.
func NewTesseractExtractor(settings engine.LoadSettings) (TextExtractor, error) {
	client := gosseract.NewClient()
	if settings.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(settings.TessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	lang := settings.Language
	if lang == "" {
		lang = "eng"
	}
	if err := client.SetLanguage(lang); err != nil {
		client.Close()
		return nil, fmt.Errorf("set language %q: %w", lang, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	return &tesseractExtractor{client: client}, nil
}

func (t *tesseractExtractor) Text(ctx context.Context, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	if err := t.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("load frame: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}

func (t *tesseractExtractor) Close() error {
	return t.client.Close()
}
