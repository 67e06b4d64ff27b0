package validation

import (
	"net/url"
	"path"
	"strings"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
)

const azureBlobHostSuffix = ".blob.core.windows.net"

// ReferenceValidator checks image references before they reach an image source
type ReferenceValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewReferenceValidator creates a validator accepting any http(s) host
func NewReferenceValidator() *ReferenceValidator {
	return &ReferenceValidator{
		allowedSchemes: []string{"http", "https"},
	}
}

// NewReferenceValidatorWithOptions restricts URL schemes and hosts
func NewReferenceValidatorWithOptions(schemes []string, hosts []string) *ReferenceValidator {
	return &ReferenceValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// Validate checks ref for the given image source ("http", "azure" or "local")
func (v *ReferenceValidator) Validate(source, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return apperrors.NewValidationError("image reference cannot be empty", nil)
	}
	switch source {
	case "azure":
		return v.validateBlob(ref)
	case "local":
		return validatePath(ref)
	default:
		return v.ValidateImageURL(ref)
	}
}

// ValidateImageURL validates an http(s) image URL
func (v *ReferenceValidator) ValidateImageURL(imageURL string) error {
	if strings.TrimSpace(imageURL) == "" {
		return apperrors.NewValidationError("URL cannot be empty", nil)
	}

	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return apperrors.NewValidationError("Invalid URL format", err)
	}
	if !contains(v.allowedSchemes, parsedURL.Scheme) {
		return apperrors.NewValidationError("URL scheme not allowed", nil)
	}
	if parsedURL.Host == "" {
		return apperrors.NewValidationError("URL must have a valid host", nil)
	}
	if len(v.allowedHosts) > 0 && !contains(v.allowedHosts, parsedURL.Hostname()) {
		return apperrors.NewValidationError("URL host not allowed", nil)
	}
	return nil
}

// validateBlob accepts a blob name or an https URL on the Azure blob endpoint
func (v *ReferenceValidator) validateBlob(ref string) error {
	if !strings.Contains(ref, "://") {
		return validatePath(ref)
	}
	parsedURL, err := url.Parse(ref)
	if err != nil {
		return apperrors.NewValidationError("Invalid blob URL format", err)
	}
	if parsedURL.Scheme != "https" || !strings.HasSuffix(parsedURL.Hostname(), azureBlobHostSuffix) {
		return apperrors.NewValidationError("blob URL must be an https Azure blob endpoint", nil)
	}
	if strings.Count(strings.Trim(parsedURL.Path, "/"), "/") < 1 {
		return apperrors.NewValidationError("blob URL must name a container and a blob", nil)
	}
	return nil
}

// validatePath accepts relative paths that stay inside their root
func validatePath(ref string) error {
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return apperrors.NewValidationError("image path must be relative", nil)
	}
	clean := path.Clean(ref)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return apperrors.NewValidationError("image path escapes the image root", nil)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
