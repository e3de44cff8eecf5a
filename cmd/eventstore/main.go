package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/eventstore"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/server"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/version"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	if err := config.LoadDotEnv(".env"); err != nil {
		log.WithError(err).Fatal("Failed to load .env")
	}
	cfg := config.DefaultStoreConfig()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	log.WithField("version", version.Version).Info("Starting event store")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := eventstore.New(cfg, nil, log)
	store.Start(ctx)

	srv := server.New(cfg, store, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Event store server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutting down event store")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
}
