package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"codedock/internal/common/cache"
	commonmw "codedock/internal/common/http/middleware"
	"codedock/internal/common/mq"
	"codedock/internal/common/storage"
	"codedock/internal/exec/controller"
	"codedock/internal/exec/deps"
	"codedock/internal/exec/library"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/provisioner"
	"codedock/internal/exec/repository"
	"codedock/internal/exec/session"
	"codedock/internal/exec/transport"
	"codedock/internal/exec/workspace"
	"codedock/pkg/utils/logger"
)

const defaultConfigPath = "configs/exec_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	engineClient, err := provisioner.NewEngineClient()
	if err != nil {
		logger.Error(context.Background(), "init container engine client failed", zap.Error(err))
		return
	}
	prov := provisioner.New(engineClient, appCfg.Sandbox)

	var lock cache.LockOps
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		lock = redisCache
	} else {
		logger.Warn(context.Background(), "redis not configured, dependency cache writes are unserialized")
	}

	var libraries session.LibraryResolver
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		libraries = library.NewResolver(objStorage, appCfg.Library.Bucket, appCfg.Library.MaxBytes, appCfg.Library.Timeout)
	} else {
		logger.Warn(context.Background(), "minio not configured, custom libraries are disabled")
	}

	var publisher repository.StatusEventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		mqClient, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		publisher = repository.NewMQStatusEventPublisher(mqClient, appCfg.Kafka.FinalTopic)
	}

	profiles := profile.NewLocalRepository(appCfg.Language.Profiles)
	artifactCache := deps.NewArtifactCache(appCfg.DepCache.RootDir, lock, appCfg.DepCache.LockWait)
	installer := deps.NewInstaller(prov, artifactCache)
	builder := workspace.NewBuilder(prov)

	manager := session.NewManager(appCfg.Session, profiles, session.NewDockerEngine(prov),
		builder, installer, libraries, publisher)
	streamer := transport.NewStreamer(manager)

	httpServer := buildHTTPServer(appCfg.Server, controller.NewExecController(manager, profiles, streamer))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "exec http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "session manager shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg ServerConfig, execController *controller.ExecController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	api := router.Group("/api/v1/exec")
	api.POST("/sessions", execController.Start)
	api.GET("/sessions/:id", execController.GetStatus)
	api.GET("/sessions/:id/stream", execController.Stream)
	api.POST("/sessions/:id/input", execController.SendInput)
	api.DELETE("/sessions/:id", execController.Stop)
	api.GET("/languages", execController.Languages)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
