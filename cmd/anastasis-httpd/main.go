// Command anastasis-httpd is the optional local daemon that exposes
// the reducer over loopback HTTP for front-ends that would rather
// speak HTTP than manage an anastasis-cli subprocess. It is grounded
// on the teacher's cmd/api/main.go: load config, construct a logger,
// wire the storage backend, build the server, run until signalled.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/config"
	"github.com/anastasis-go/anastasis/internal/httpapi"
	"github.com/anastasis-go/anastasis/internal/log"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := log.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := buildSessionStore(ctx, cfg)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer closeStore()

	client := provider.New()
	cat := catalog.New(client, buildCatalogCache(cfg), cfg.ConfigProbeTimeout, logger)

	srv := httpapi.New(cfg, logger, store, cat, client)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("http server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildSessionStore(ctx context.Context, cfg config.Config) (session.Store, func(), error) {
	switch cfg.SessionBackend {
	case "postgres":
		s, err := session.NewPostgresStore(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "vault":
		s, err := session.NewVaultStore(cfg.VaultAddr, cfg.VaultToken)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "memory", "":
		return session.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ANASTASIS_SESSION_BACKEND: %q", cfg.SessionBackend)
	}
}

func buildCatalogCache(cfg config.Config) catalog.Cache {
	if cfg.CatalogCacheBackend != "redis" {
		return catalog.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return catalog.NewRedisCache(client, 0)
}
