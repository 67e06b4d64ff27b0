package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

type localStorage struct {
	root string
}

// NewLocalStorage reads images below root
func NewLocalStorage(root string) (ImageSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid image root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("image root unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image root %s is not a directory", abs)
	}
	return &localStorage{root: abs}, nil
}

func (s *localStorage) FetchImage(ctx context.Context, ref string) (*models.ImageFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := filepath.Join(s.root, filepath.Clean("/"+ref))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes the image root", ref)
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("image not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory", ref)
	}
	if info.Size() > MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return newImageFile(filepath.Base(p), data), nil
}
