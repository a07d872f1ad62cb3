package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"github.com/infiniteflux/vibe-sub000/internal/config"
	"github.com/infiniteflux/vibe-sub000/internal/db"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/docstore/fsstore"
	"github.com/infiniteflux/vibe-sub000/internal/docstore/gormstore"
	clog "github.com/infiniteflux/vibe-sub000/internal/log"
	"github.com/infiniteflux/vibe-sub000/internal/mw"
	"github.com/infiniteflux/vibe-sub000/internal/notify"
	"github.com/infiniteflux/vibe-sub000/internal/server"
	"github.com/infiniteflux/vibe-sub000/internal/service"
	"github.com/infiniteflux/vibe-sub000/internal/ws"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func openStore(ctx context.Context, cfg config.Config, gdb *gorm.DB) (docstore.Store, error) {
	if cfg.StoreDriver == "firestore" {
		return fsstore.Open(ctx, cfg.FirestoreProjectID)
	}
	return gormstore.New(gdb, gormstore.WithLogger(clog.Component("docstore")))
}

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与文档库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, gdb)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open document store")
	}

	sessions := service.NewSessions(context.Background(), store, service.OptionsFromConfig(cfg))
	hub := ws.NewHub()
	h := server.NewHandler(
		service.NewAccountService(gdb, store, cfg),
		sessions,
		hub,
		notify.NewTokenRegistrar(store),
	)
	limiter := mw.PerSecond(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	r := server.SetupRouter(cfg, h, auth.JWTProvider{Secret: cfg.JWTSecret, DB: gdb}, limiter)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server run")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	limiter.Stop()
	sessions.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("close document store")
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("shutdown complete")
}
