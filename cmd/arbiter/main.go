package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chessdream/arbiter/internal/arbiter"
	"github.com/chessdream/arbiter/internal/archive"
	appcfg "github.com/chessdream/arbiter/internal/config"
	"github.com/chessdream/arbiter/internal/game"
	"github.com/chessdream/arbiter/internal/obslog"
	"github.com/chessdream/arbiter/internal/registry"
	"github.com/chessdream/arbiter/internal/rules"
	"github.com/chessdream/arbiter/internal/server"
)

func main() {
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	store, err := game.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}

	clk := clockwork.NewRealClock()
	reg := registry.New()
	ctrl := arbiter.NewController(store, rules.NewAdapter(), reg, clk, arbiter.Options{
		GraceWindow:      cfg.GraceWindow(),
		PollInterval:     cfg.PollInterval(),
		ValidTimeControl: cfg.ValidTimeControl,
	})

	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer func() { _ = repo.Close() }()
		ctrl.AttachArchiver(repo)
	} else {
		obslog.L().Warn("archive_disabled", zap.String("reason", "DATABASE_URL not set"))
	}

	srv := server.New(cfg, ctrl, store, reg, clk)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("shutdown_begin")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	_ = store.Close()
	obslog.L().Info("shutdown_done")
}
