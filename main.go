package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/huiying/aigc-proxy/internal/comfy"
	"github.com/huiying/aigc-proxy/internal/config"
	"github.com/huiying/aigc-proxy/internal/httpapi"
	"github.com/huiying/aigc-proxy/internal/mailbox"
	_ "github.com/huiying/aigc-proxy/internal/metrics" // register collectors
	"github.com/huiying/aigc-proxy/internal/poller"
	"github.com/huiying/aigc-proxy/internal/session"
	"github.com/huiying/aigc-proxy/internal/task"
	"github.com/huiying/aigc-proxy/internal/userstore"
	"github.com/huiying/aigc-proxy/internal/workflow"
)

func main() {
	// Root context for background services; cancelled on shutdown signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := getEnvOrDefault("HUIYING_CONFIG", "config.json")

	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfgMgr, err := config.Load(configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := cfgMgr.Get()

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	// User store: sqlite when the db file exists, json fallback otherwise.
	users, err := userstore.Open(cfg.UsersDB, cfg.UsersFile, logger)
	if err != nil {
		logger.Fatal("Failed to open user store", zap.Error(err))
	}
	defer users.Close()

	sessions := session.NewManager(users, signingKey(logger), logger)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	store := workflow.NewStore(workflow.StoreOptions{
		Dir:          cfg.WorkflowDir,
		MappingsPath: mappingsPath(cfg),
		Origin:       cfg.RemoteOrigin,
		Remote:       cfg.LoadFromCloud,
		CacheEnabled: cfg.EnableCache,
		Timeout:      timeout,
	}, logger)
	if err := store.Init(cfg.LoadFromCloud); err != nil {
		logger.Warn("Workflow store started without mappings", zap.Error(err))
	}

	backend := comfy.NewClient(cfg.BackendURL, timeout, logger)
	registry := task.NewRegistry(logger)
	mailboxes := mailbox.NewManager(logger)
	taskPoller := poller.New(backend, registry, mailboxes, logger)
	listener := comfy.NewListener(backend, registry, mailboxes, logger)

	// Background maintenance.
	go registry.RunSweeper(ctx, time.Minute, task.DefaultRetention)
	go mailboxes.RunSweeper(ctx, time.Minute, mailbox.DefaultInactivity)
	go sessions.RunSweeper(ctx, 2*time.Hour, session.DefaultMaxAge)
	go listener.Run(ctx)

	// Local mode: hot-reload the mapping table when the file changes.
	if !cfg.LoadFromCloud {
		watcher := config.NewWatcher(mappingsPath(cfg), func(path string) {
			if err := store.ReloadMappings(path); err != nil {
				logger.Warn("Mapping reload failed", zap.Error(err))
			}
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Mapping watcher stopped", zap.Error(err))
			}
		}()
	}

	upstream := httpapi.NewUpstream(cfg.UpstreamBase, &http.Client{Timeout: timeout}, logger)
	api := httpapi.NewServer(ctx, cfgMgr, store, registry, mailboxes, sessions, backend, taskPoller, upstream, logger)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket and passthrough responses stream
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}

// signingKey reads the JWT secret from the environment, generating an
// ephemeral one when unset. Ephemeral keys invalidate sessions on restart,
// which single-instance deployments tolerate.
func signingKey(logger *zap.Logger) []byte {
	if s := os.Getenv("HUIYING_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logger.Fatal("Failed to generate signing key", zap.Error(err))
	}
	logger.Warn("HUIYING_JWT_SECRET unset, using an ephemeral signing key")
	return key
}

func mappingsPath(cfg config.Config) string {
	return filepath.Join(cfg.WorkflowDir, "workflow_mappings.json")
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
