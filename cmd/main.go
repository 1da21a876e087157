package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-provider-hub/config"
	"chat-provider-hub/core"
	"chat-provider-hub/core/adapter"
	"chat-provider-hub/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "chathub.toml", "path to TOML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	level, _ := logrus.ParseLevel(cfg.Logging.Level)
	log.SetLevel(level)

	// 日志同时写入 stdout 和轮转文件
	if cfg.Logging.File != "" {
		rotator, err := core.NewLogRotator(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.Backups)
		if err != nil {
			log.Fatal("Failed to open log file: ", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	gin.SetMode(gin.ReleaseMode)

	db, err := core.OpenDatabase(cfg.Storage.DatabasePath, log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	store := core.NewGormStore(db, log)
	if _, err := store.ImportLegacyFile(cfg.Storage.LegacyImportPath); err != nil {
		log.Warnf("Legacy settings import skipped: %v", err)
	}

	var limiter *rate.Limiter
	if cfg.Models.FetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Models.FetchRate), max(cfg.Models.FetchBurst, 1))
	}
	fetcher := adapter.NewFetcher(core.NewHTTPClient(cfg.Models.FetchTimeout), limiter, log)
	catalog := core.NewModelCatalog(fetcher, cfg.Models.CacheTTL, log)

	registry, err := core.NewRegistry(store, catalog, log)
	if err != nil {
		log.Fatal("Failed to create provider registry: ", err)
	}

	eventLogger := core.NewAsyncEventLogger(db, cfg.Storage.EventRetain, log)
	defer eventLogger.Close()
	hub := NewEventHub(log)
	defer hub.Close()
	registry.Subscribe(eventLogger)
	registry.Subscribe(hub)

	// 启动时执行一次旧版配置迁移 (注册表非空时为空操作)
	resolver := core.NewResolver(registry, sessionFromLegacy(store), log)
	migrator := core.NewMigrator(registry, store, log)
	if created, err := migrator.Migrate(resolver.Session()); err != nil {
		log.Errorf("Legacy migration failed: %v", err)
	} else if created > 0 {
		log.Infof("Migrated legacy configuration into %d providers", created)
	}

	a := &app{
		registry: registry,
		resolver: resolver,
		migrator: migrator,
		events:   eventLogger,
		hub:      hub,
		log:      log,
	}

	var ipLimiter *IPRateLimiter
	if cfg.Server.RateLimit > 0 {
		ipLimiter = NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), max(cfg.Server.RateBurst, 1))
		defer ipLimiter.Stop()
	}

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	engine.Use(requestLoggerMiddleware(log))
	setupRoutes(engine, a, cfg.Server.APIToken, ipLimiter)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting provider hub on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

// sessionFromLegacy 用旧版配置中的协议和模型初始化选择状态
func sessionFromLegacy(store core.ConfigStore) models.Session {
	legacy, err := store.LoadLegacyConfig()
	if err != nil || legacy == nil {
		return models.Session{}
	}
	s := models.Session{SelectedModel: legacy.SelectedModel}
	if legacy.WireFormat.Valid() {
		s.WireFormat = legacy.WireFormat
	}
	return s
}
