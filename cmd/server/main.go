package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orproxy-go/internal/config"
	"orproxy-go/internal/events"
	"orproxy-go/internal/keys"
	"orproxy-go/internal/logging"
	"orproxy-go/internal/proxy"
	"orproxy-go/internal/rotation"
	"orproxy-go/internal/runtime"
	"orproxy-go/internal/server"
	"orproxy-go/internal/storage"
	"orproxy-go/internal/tracing"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{
		Debug:   cfg.Logging.Debug,
		LogFile: cfg.Logging.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init no-ops when no OTLP endpoint is configured anywhere.
	traceEndpoint := ""
	if cfg.Tracing.Enabled {
		traceEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, traceEndpoint)
	if err != nil {
		log.WithError(err).Warn("tracing init failed, continuing without traces")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.WithError(err).Warn("tracing shutdown failed")
			}
		}()
	}

	store := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}

	vault := keys.NewMemoryVault()
	registry := keys.NewRegistry(store, vault, keys.Options{
		DisableThreshold: cfg.Rotation.DisableThreshold,
	})

	bus := events.NewHub()
	bus.Subscribe(events.TopicUpstreamAttempt, func(ctx context.Context, ev events.Event) {
		log.WithFields(log.Fields{
			"module": "events",
			"topic":  ev.Topic,
			"data":   ev.Payload,
		}).Debug("upstream attempt")
	})

	strategy, err := rotation.ParseStrategy(cfg.Rotation.Strategy)
	if err != nil {
		log.WithError(err).Fatal("invalid rotation strategy")
	}

	manager := rotation.NewManager(registry, strategy, rotation.BreakerConfig{
		FailureThreshold:  cfg.Rotation.FailureThreshold,
		RecoveryTimeout:   cfg.Rotation.RecoveryTimeout,
		MaxHalfOpenProbes: cfg.Rotation.MaxHalfOpenProbes,
	}, bus)

	engine := proxy.NewEngine(manager, registry, bus, proxy.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		MaxRetries:     cfg.Upstream.MaxRetries,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		WriteTimeout:   cfg.Upstream.WriteTimeout,
	})

	tasks := runtime.NewTaskManager(ctx)
	if err := tasks.Start("rate-limit-recovery", manager.RunMaintenance); err != nil {
		log.WithError(err).Fatal("failed to start maintenance task")
	}

	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, func(next *config.Config) {
			if s, err := rotation.ParseStrategy(next.Rotation.Strategy); err == nil && s != manager.CurrentStrategy() {
				manager.SetStrategy(s)
				log.WithField("strategy", string(s)).Info("rotation strategy updated from config")
			}
		})
		if err := watcher.Start(); err != nil {
			log.WithError(err).Warn("config watcher unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	router := server.Build(server.Deps{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Manager:  manager,
		Engine:   engine,
		Tasks:    tasks,
		Bus:      bus,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	tasks.StopAll()
	tasks.Wait()
	log.Info("shutdown complete")
}
