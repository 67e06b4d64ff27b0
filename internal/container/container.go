package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/factory"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/repository"
	"github.com/anime-shed/card-scanner-go/internal/service"
	"github.com/anime-shed/card-scanner-go/internal/storage"
	"github.com/anime-shed/card-scanner-go/internal/transport"
	"github.com/anime-shed/card-scanner-go/internal/verification"
	"github.com/anime-shed/card-scanner-go/internal/widget"
	"github.com/anime-shed/card-scanner-go/pkg/validation"
)

// Container holds all application dependencies
type Container struct {
	config       *config.Config
	db           *repository.DB
	publisher    observer.Subject
	stream       *observer.StreamObserver
	host         widget.Host
	images       storage.ImageSource
	verification verification.Workflow
	handler      http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger.SetLevel(cfg.LogLevel)

	db, err := repository.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	scans := repository.NewScanRepository(db)
	retries := repository.NewRetryRepository(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observer.NewMetricsObserver(registry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	stream := observer.NewStreamObserver(64)
	publisher := observer.NewEventPublisher()
	publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))
	publisher.Subscribe(metrics)
	publisher.Subscribe(observer.NewRecordingObserver(scans))
	publisher.Subscribe(stream)

	components := factory.NewComponentFactory(cfg)
	engineType := factory.OCREngine
	if cfg.Scan.AllowScanFromCamera {
		engineType = factory.OCRCameraEngine
	}
	loader, err := components.EngineFactory.CreateLoader(engineType)
	if err != nil {
		db.Close()
		return nil, err
	}
	images, err := components.StorageFactory.CreateStorage(factory.StorageType(cfg.Storage.Source))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create image source: %w", err)
	}

	host := widget.NewHost(Settings(cfg), func() service.ScanService {
		return service.NewScanService(loader, service.DefaultOptions())
	}, publisher)
	if err := host.Init(ctx); err != nil {
		// The widget reports itself as not ready; the rest of the API stays up.
		logger.WithError(err).Error("Widget initialization failed")
	}

	workflow := verification.NewWorkflow(
		verification.NewClient(cfg.Verification.BaseURL, cfg.Verification.Timeout),
		retries,
		cfg.Verification.RetryLimit,
		cfg.Verification.HandoffBaseURL,
	)

	handler := transport.NewHandler(transport.Dependencies{
		Host:         host,
		Images:       images,
		Validator:    validation.NewReferenceValidator(),
		Verification: workflow,
		Scans:        scans,
		Stream:       stream,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, cfg)

	return &Container{
		config:       cfg,
		db:           db,
		publisher:    publisher,
		stream:       stream,
		host:         host,
		images:       images,
		verification: workflow,
		handler:      handler,
	}, nil
}

// Settings derives the widget settings from the service configuration.
func Settings(cfg *config.Config) widget.Settings {
	return widget.Settings{
		LicenseKey: cfg.Engine.LicenseKey,
		Load: engine.LoadSettings{
			EngineLocation: cfg.Engine.EngineLocation,
			TessdataPrefix: cfg.Engine.TessdataPrefix,
			Language:       cfg.Engine.Language,
		},
		Scan: cfg.Scan,
	}
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Host returns the widget host
func (c *Container) Host() widget.Host {
	return c.host
}

// Close stops scanning, releases the engine and closes the database.
func (c *Container) Close() error {
	hostErr := c.host.Close()
	dbErr := c.db.Close()
	if hostErr != nil {
		return hostErr
	}
	return dbErr
}
