package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// HTTPImageFetcher loads images over HTTP(S)
type HTTPImageFetcher struct {
	client   *http.Client
	attempts int
	backoff  func(attempt int) time.Duration
}

// NewHTTPImageFetcher creates an HTTP image fetcher with the given overall request timeout
func NewHTTPImageFetcher(timeout time.Duration) *HTTPImageFetcher {
	transport := &http.Transport{
		// Connection pooling sized for single image downloads
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	return &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		attempts: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}
}

// WithBackoff replaces the delay between attempts.
func (h *HTTPImageFetcher) WithBackoff(backoff func(attempt int) time.Duration) *HTTPImageFetcher {
	h.backoff = backoff
	return h
}

func (h *HTTPImageFetcher) FetchImage(ctx context.Context, imageURL string) (*models.ImageFile, error) {
	var lastErr error

	for attempt := 0; attempt < h.attempts; attempt++ {
		data, retryable, err := h.fetchOnce(ctx, imageURL)
		if err == nil {
			return newImageFile(path.Base(imageURL), data), nil
		}
		lastErr = err

		// 4xx client errors and invalid requests are non-retryable
		if !retryable {
			break
		}

		if attempt < h.attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.backoff(attempt)):
			}
		}
	}

	return nil, fmt.Errorf("failed to fetch image after %d attempts: %w", h.attempts, lastErr)
}

func (h *HTTPImageFetcher) fetchOnce(ctx context.Context, imageURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Card-Scanner/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, fmt.Errorf("client error: status code %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, false, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}
	return data, false, nil
}
