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

	"tokodraft/backend/internal/catalog"
	catmemory "tokodraft/backend/internal/catalog/memory"
	"tokodraft/backend/internal/catalog/rest"
	"tokodraft/backend/internal/config"
	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft"
	draftmemory "tokodraft/backend/internal/draft/memory"
	draftpg "tokodraft/backend/internal/draft/postgres"
	draftredis "tokodraft/backend/internal/draft/redis"
	"tokodraft/backend/internal/httpapi"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	var storage draft.Storage
	switch {
	case cfg.DatabaseURL != "":
		pg, err := draftpg.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		storage = pg
		closers = append(closers, pg.Close)
		log.Println("draft storage: postgres")
	case cfg.RedisAddr != "":
		rd := draftredis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DraftTTL())
		if err := rd.Ping(ctx); err != nil {
			log.Fatalf("redis unavailable (%v) and REDIS_ADDR is set; refusing to start with in-memory fallback", err)
		}
		storage = rd
		closers = append(closers, rd.Close)
		log.Println("draft storage: redis")
	default:
		storage = draftmemory.New()
		log.Println("draft storage: in-memory (drafts will not survive a restart)")
	}

	var client catalog.Client
	if cfg.CatalogBaseURL != "" {
		client = rest.New(cfg.CatalogBaseURL, cfg.CatalogToken)
		log.Printf("catalog: %s", cfg.CatalogBaseURL)
	} else {
		client = catmemory.NewSeeded()
		log.Println("catalog: in-memory seed data")
	}

	auth := httpapi.NewAuthManager(
		cfg.AuthSecret,
		time.Duration(cfg.TokenTTLMinutes)*time.Minute,
		seedUsers(),
	)
	api := httpapi.New(client, storage, cfg.DraftDebounce(), auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("back-office draft engine listening on %s", cfg.Address())
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

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// seedUsers builds the back-office accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD / SEED_CLERK_PASSWORD; hardcoded dev
// defaults are used with a warning when unset.
func seedUsers() []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[main] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	return []domain.UserAccount{
		{Username: "admin", Password: adminPwd, Role: "admin", Active: true, CreatedAt: now},
		{Username: "clerk", Password: clerkPwd, Role: "clerk", Active: true, CreatedAt: now},
	}
}

func envOr(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
