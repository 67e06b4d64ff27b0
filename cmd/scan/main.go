// Command scan reads payment cards from images and prints one JSON result per line.
//
//	scan [-workers n] ref [front+back ...]
//
// References are resolved by the configured image source (IMAGE_SOURCE). A
// reference of the form front+back is scanned as a two-sided card.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anime-shed/card-scanner-go/internal/batch"
	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/container"
	"github.com/anime-shed/card-scanner-go/internal/factory"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/service"
	"github.com/anime-shed/card-scanner-go/internal/storage"
	"github.com/anime-shed/card-scanner-go/internal/widget"
	"github.com/anime-shed/card-scanner-go/pkg/validation"
)

func main() {
	workers := flag.Int("workers", 1, "number of engines scanning in parallel")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: scan [-workers n] ref [front+back ...]")
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	// Results go to stdout; keep logs out of the way.
	logger.Logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components := factory.NewComponentFactory(cfg)
	images, err := components.StorageFactory.CreateStorage(factory.StorageType(cfg.Storage.Source))
	if err != nil {
		log.Fatalf("Failed to create image source: %v", err)
	}
	jobs, err := loadJobs(ctx, cfg, images, flag.Args())
	if err != nil {
		log.Fatalf("Failed to load images: %v", err)
	}

	hosts, err := newHosts(ctx, cfg, components, *workers)
	defer func() {
		for _, h := range hosts {
			_ = h.Close()
		}
	}()
	if err != nil {
		log.Fatalf("Failed to initialize scanner: %v", err)
	}

	pool, err := batch.NewPool(hosts)
	if err != nil {
		log.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	enc := json.NewEncoder(os.Stdout)
	failed := false
	for _, r := range pool.ScanAll(ctx, jobs) {
		out := map[string]any{"name": r.Name, "event": r.Event}
		if r.Err != nil {
			out["error"] = r.Err.Error()
		}
		if r.Err != nil || r.Event.EventType != observer.ScanSuccess {
			failed = true
		}
		if err := enc.Encode(out); err != nil {
			log.Fatalf("Failed to write result: %v", err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func loadJobs(ctx context.Context, cfg *config.Config, images storage.ImageSource, args []string) ([]batch.Job, error) {
	validator := validation.NewReferenceValidator()

	jobs := make([]batch.Job, 0, len(args))
	for _, arg := range args {
		refs := strings.SplitN(arg, "+", 2)
		job := batch.Job{Name: arg}
		for i, ref := range refs {
			if err := validator.Validate(cfg.Storage.Source, ref); err != nil {
				return nil, fmt.Errorf("%s: %w", ref, err)
			}
			fetchCtx, cancel := context.WithTimeout(ctx, cfg.ImageFetchTimeout)
			img, err := images.FetchImage(fetchCtx, ref)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ref, err)
			}
			if i == 0 {
				job.First = img
			} else {
				job.Second = img
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func newHosts(ctx context.Context, cfg *config.Config, components *factory.ComponentFactory, n int) ([]widget.Host, error) {
	if n < 1 {
		n = 1
	}
	loader, err := components.EngineFactory.CreateLoader(factory.OCREngine)
	if err != nil {
		return nil, err
	}

	publisher := observer.NewEventPublisher()
	publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))

	settings := container.Settings(cfg)
	settings.Scan.AllowScanFromCamera = false
	settings.Scan.AllowScanFromImage = true

	hosts := make([]widget.Host, 0, n)
	for i := 0; i < n; i++ {
		h := widget.NewHost(settings, func() service.ScanService {
			return service.NewScanService(loader, service.DefaultOptions())
		}, publisher)
		hosts = append(hosts, h)
		if err := h.Init(ctx); err != nil {
			return hosts, err
		}
	}
	return hosts, nil
}
