package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/container"
	"github.com/anime-shed/card-scanner-go/internal/logger"

	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	c, err := container.NewContainer(initCtx, cfg)
	cancelInit()
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	// WriteTimeout stays unset: the event stream is long-lived and scan
	// handlers bound themselves by RequestTimeout.
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           c.Handler(),
		ReadTimeout:       cfg.RequestTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.ServerAddress(),
			"timeout": cfg.RequestTimeout,
			"ready":   c.Host().IsReady(),
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := c.Close(); err != nil {
		logger.WithError(err).Error("Failed to release resources")
	}

	logger.Info("Server exited")
}
