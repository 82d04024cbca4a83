package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ericfitz/syncboard/api"
	"github.com/ericfitz/syncboard/auth"
	"github.com/ericfitz/syncboard/internal/config"
	"github.com/ericfitz/syncboard/internal/slogging"
)

func main() {
	configFile, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            cfg.GetLogLevel(),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()
	defer func() {
		_ = logger.Close()
	}()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	authService, err := auth.NewService(cfg.Auth.JWT.Secret, cfg.GetJWTDuration())
	if err != nil {
		logger.Error("Failed to initialize auth service: %v", err)
		os.Exit(1)
	}

	// The relay fans broadcasts out across server nodes; without it the
	// server runs single-node and rooms stay purely in memory
	var relay api.Relay
	var redisRelay *api.RedisRelay
	if cfg.Redis.Enabled {
		redisRelay, err = api.NewRedisRelay(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to redis relay at %s: %v", cfg.RedisAddr(), err)
			os.Exit(1)
		}
		relay = redisRelay
		logger.Info("Cross-node relay enabled via redis at %s", cfg.RedisAddr())
	}

	hub := api.NewHub(api.HubConfig{
		Room: api.RoomConfig{
			ReadLimit:            cfg.WebSocket.ReadLimitBytes,
			PongWait:             cfg.PongWait(),
			PingInterval:         cfg.PingInterval(),
			WriteWait:            cfg.WriteWait(),
			SendBufferSize:       cfg.WebSocket.SendBufferSize,
			LockTTL:              cfg.LockTTL(),
			LogWebSocketMessages: cfg.Logging.LogWebSocketMsg,
		},
		InactivityTimeout: cfg.InactivityTimeout(),
	}, relay)

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go hub.StartCleanupTimer(cleanupCtx)

	r := gin.New()
	r.Use(slogging.LoggerMiddleware())
	r.Use(slogging.Recoverer())

	server := api.NewServer(hub)
	server.RegisterHandlers(r, auth.NewMiddleware(authService))

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error: %v", err)
		}
	}()
	logger.Info("Listening on %s", cfg.ListenAddr())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancelCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close rooms first so connected clients get clean close frames
	hub.Shutdown(shutdownCtx)

	if redisRelay != nil {
		if err := redisRelay.Close(); err != nil {
			logger.Error("Error closing redis relay: %v", err)
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	logger.Info("Server gracefully stopped")
}
