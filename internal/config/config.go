package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	ImageFetchTimeout  time.Duration
	MaxRequestBodySize int64
	LogLevel           string

	Engine       EngineConfig
	Scan         ScanConfig
	Storage      StorageConfig
	Database     DatabaseConfig
	Verification VerificationConfig
}

// EngineConfig controls how the recognition engine is loaded.
type EngineConfig struct {
	LicenseKey     string
	TessdataPrefix string
	Language       string
	EngineLocation string
}

// ScanConfig mirrors the widget properties of a scan session.
type ScanConfig struct {
	Recognizers                      []string
	RecognizerOptions                map[string]map[string]any
	RecognitionTimeout               time.Duration
	RecognitionPauseTimeout          time.Duration
	IncludeSuccessFrame              bool
	CameraFeed                       string
	CameraID                         string
	StateDurations                   map[string]int
	HideFeedback                     bool
	ShowScanningLine                 bool
	ShowCameraFeedbackBarcodeMessage bool
	AllowScanFromCamera              bool
	AllowScanFromImage               bool
	Translations                     map[string]string
	Locale                           string
}

// StorageConfig selects where scan images are fetched from.
type StorageConfig struct {
	Source         string // http, azure or local
	AzureAccount   string
	AzureKey       string
	AzureContainer string
	LocalRoot      string
}

type DatabaseConfig struct {
	Type       string // sqlite3 or postgres
	SQLitePath string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
}

type VerificationConfig struct {
	BaseURL        string
	RetryLimit     int
	HandoffBaseURL string
	Timeout        time.Duration
}

func (c *Config) ServerAddress() string {
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// DSN builds the driver connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	if d.Type == "postgres" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	}
	return d.SQLitePath
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		ImageFetchTimeout:  parseDurationOrDefault("IMAGE_FETCH_TIMEOUT", 15*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 10*1024*1024), // 10MB
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		Engine: EngineConfig{
			LicenseKey:     os.Getenv("LICENSE_KEY"),
			TessdataPrefix: os.Getenv("TESSDATA_PREFIX"),
			Language:       getEnvOrDefault("OCR_LANGUAGE", "eng"),
			EngineLocation: os.Getenv("ENGINE_LOCATION"),
		},
		Scan: ScanConfig{
			Recognizers:                      parseListOrDefault("RECOGNIZERS", []string{"BlinkCardRecognizer"}),
			RecognitionTimeout:               parseDurationOrDefault("RECOGNITION_TIMEOUT", 15*time.Second),
			RecognitionPauseTimeout:          parseDurationOrDefault("RECOGNITION_PAUSE_TIMEOUT", 4300*time.Millisecond),
			IncludeSuccessFrame:              parseBoolOrDefault("INCLUDE_SUCCESS_FRAME", false),
			CameraFeed:                       getEnvOrDefault("CAMERA_FEED", "0"),
			CameraID:                         os.Getenv("CAMERA_ID"),
			HideFeedback:                     parseBoolOrDefault("HIDE_FEEDBACK", false),
			ShowScanningLine:                 parseBoolOrDefault("SHOW_SCANNING_LINE", false),
			ShowCameraFeedbackBarcodeMessage: parseBoolOrDefault("SHOW_CAMERA_FEEDBACK_BARCODE_MESSAGE", false),
			AllowScanFromCamera:              parseBoolOrDefault("ALLOW_SCAN_FROM_CAMERA", true),
			AllowScanFromImage:               parseBoolOrDefault("ALLOW_SCAN_FROM_IMAGE", true),
			Locale:                           getEnvOrDefault("LOCALE", "en"),
		},
		Storage: StorageConfig{
			Source:         getEnvOrDefault("IMAGE_SOURCE", "http"),
			AzureAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
			AzureKey:       os.Getenv("AZURE_STORAGE_KEY"),
			AzureContainer: os.Getenv("AZURE_STORAGE_CONTAINER"),
			LocalRoot:      getEnvOrDefault("LOCAL_IMAGE_ROOT", "."),
		},
		Database: DatabaseConfig{
			Type:       getEnvOrDefault("DB_TYPE", "sqlite3"),
			SQLitePath: getEnvOrDefault("SQLITE_PATH", "./scans.db"),
			Host:       getEnvOrDefault("DB_HOST", "localhost"),
			Port:       getEnvOrDefault("DB_PORT", "5432"),
			User:       getEnvOrDefault("DB_USER", "postgres"),
			Password:   os.Getenv("DB_PASSWORD"),
			Name:       getEnvOrDefault("DB_NAME", "card_scanner"),
			SSLMode:    getEnvOrDefault("DB_SSLMODE", "disable"),
		},
		Verification: VerificationConfig{
			BaseURL:        os.Getenv("VERIFICATION_BASE_URL"),
			RetryLimit:     int(parseIntOrDefault("VERIFICATION_RETRY_LIMIT", 3)),
			HandoffBaseURL: os.Getenv("HANDOFF_BASE_URL"),
			Timeout:        parseDurationOrDefault("VERIFICATION_TIMEOUT", 10*time.Second),
		},
	}

	var err error
	if cfg.Scan.RecognizerOptions, err = parseJSONOrDefault("RECOGNIZER_OPTIONS", map[string]map[string]any{}); err != nil {
		return nil, err
	}
	if cfg.Scan.StateDurations, err = parseJSONOrDefault("CAMERA_EXPERIENCE_STATE_DURATIONS", map[string]int{}); err != nil {
		return nil, err
	}
	if cfg.Scan.Translations, err = parseJSONOrDefault("TRANSLATIONS", map[string]string{}); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.ImageFetchTimeout <= 0 || c.Scan.RecognitionTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, recognition=%s)",
			c.RequestTimeout, c.ImageFetchTimeout, c.Scan.RecognitionTimeout)
	}
	if len(c.Scan.Recognizers) == 0 {
		return fmt.Errorf("RECOGNIZERS must name at least one recognizer")
	}
	switch c.Storage.Source {
	case "http", "local":
	case "azure":
		if c.Storage.AzureAccount == "" || c.Storage.AzureContainer == "" {
			return fmt.Errorf("IMAGE_SOURCE=azure requires AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER")
		}
	default:
		return fmt.Errorf("invalid IMAGE_SOURCE: %q", c.Storage.Source)
	}
	switch c.Database.Type {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid DB_TYPE: %q", c.Database.Type)
	}
	if c.Verification.RetryLimit < 1 {
		return fmt.Errorf("VERIFICATION_RETRY_LIMIT must be >= 1 (got %d)", c.Verification.RetryLimit)
	}
	for state, ms := range c.Scan.StateDurations {
		if ms < 0 {
			return fmt.Errorf("CAMERA_EXPERIENCE_STATE_DURATIONS[%s] must be >= 0", state)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseJSONOrDefault fails loudly: a malformed JSON variable is a configuration mistake.
func parseJSONOrDefault[T any](key string, defaultValue T) (T, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var out T
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return out, nil
}
