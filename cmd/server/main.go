package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rekonkas/backend/internal/config"
	"rekonkas/backend/internal/httpapi"
	"rekonkas/backend/internal/notify"
	"rekonkas/backend/internal/service"
	"rekonkas/backend/internal/session"
	"rekonkas/backend/internal/store"
	"rekonkas/backend/internal/store/memory"
	pgstore "rekonkas/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var sessions session.Store = session.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisSessions := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisSessions.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory sessions", err)
		} else {
			sessions = redisSessions
			closers = append(closers, redisSessions.Close)
			log.Println("sessions: redis")
		}
	} else {
		log.Println("sessions: in-memory")
	}

	var sender notify.Sender = notify.NoopSender{}
	if cfg.NotifyURL != "" {
		sender = notify.NewWebhookSender(cfg.NotifyURL, cfg.NotifyAppID, cfg.NotifyAPIKey)
		log.Println("notifier: webhook")
	} else {
		log.Println("notifier: noop")
	}
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyQueueSize)

	svc := service.New(repo, dispatcher, cfg.SyncAPIKey, time.Duration(cfg.SyncTimeoutSeconds)*time.Second)
	auth := httpapi.NewAuthManager(repo, sessions, time.Duration(cfg.SessionTTLMinutes)*time.Minute)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.NotifyAppID)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("reconciliation backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	dispatcher.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.SyncAPIKey) < 16 {
		return fmt.Errorf("SYNC_API_KEY must be set and at least 16 characters")
	}
	return nil
}
