package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wadevries/tusk/internal/chunk"
	"github.com/wadevries/tusk/internal/notify"
	"github.com/wadevries/tusk/internal/session"
	"github.com/wadevries/tusk/internal/tus"
	"github.com/wadevries/tusk/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()

	setupLogging(cfg.Logging)

	log.Info().Msg("starting tusk upload server")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	store, err := session.NewRedisStore(redisClient, cfg.Upload.SessionTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()

	writer, err := chunk.NewWriter(cfg.Upload.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk writer")
	}

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer queueClient.Close()

	proto := tus.NewProtocol(cfg.Upload, store, writer, notify.NewQueueNotifier(queueClient))

	router := setupRouter(proto, cfg.Upload)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      tus.MethodOverride(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepLoop(sweepCtx, writer, store, cfg.Upload)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupRouter(proto *tus.Protocol, cfg config.UploadConfig) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "tusk",
			"time":    time.Now().UTC(),
		})
	})

	tus.RegisterRoutes(router, proto, cfg)

	return router
}

// sweepLoop periodically reclaims temporary files left behind by sessions
// that expired before completing. Files whose session record is still live
// are never touched, no matter how long ago they were written.
func sweepLoop(ctx context.Context, writer *chunk.Writer, store session.Store, cfg config.UploadConfig) {
	live := func(resourceID string) bool {
		_, err := store.Get(ctx, resourceID)
		return err == nil
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := writer.Sweep(ctx, cfg.SessionTTL, live)
			if err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("count", removed).Msg("orphan sweep reclaimed files")
			}
		}
	}
}
