package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenlms/lumen/internal/config"
	"github.com/lumenlms/lumen/internal/database"
	"github.com/lumenlms/lumen/internal/devserver"
	"github.com/lumenlms/lumen/internal/geoip"
	"github.com/lumenlms/lumen/internal/storage"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	locator := geoip.Open(cfg.GeoIPDBPath, slog.Default())
	defer locator.Close()

	srvCfg := devserver.Config{
		DB:             db.Pool,
		Store:          devserver.NewPostgresStore(db.Pool, nil),
		Pinger:         db,
		GeoIP:          locator,
		JWTSecret:      cfg.JWTSecret,
		BaseURL:        cfg.BaseURL,
		AccessTokenTTL: cfg.AccessTokenTTL,
		Logger:         slog.Default(),
	}

	if s3cfg, ok := storageConfig(cfg.S3); ok {
		store, err := storage.New(ctx, s3cfg)
		if err != nil {
			log.Fatalf("storage initialization failed: %v", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			log.Fatalf("storage bucket check failed: %v", err)
		}
		srvCfg.Storage = store
		log.Println("storage bucket ready")
	} else {
		log.Println("S3_ENDPOINT not set, stream redirects disabled")
	}

	srv, err := devserver.New(srvCfg)
	if err != nil {
		log.Fatal(err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go srv.Run(runCtx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("lumen devserver listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

func storageConfig(s3 config.S3) (storage.Config, bool) {
	if s3.Endpoint == "" {
		return storage.Config{}, false
	}
	return storage.Config{
		Endpoint:       s3.Endpoint,
		PublicEndpoint: s3.PublicEndpoint,
		Bucket:         s3.Bucket,
		AccessKey:      s3.AccessKey,
		SecretKey:      s3.SecretKey,
		Region:         s3.Region,
	}, true
}
