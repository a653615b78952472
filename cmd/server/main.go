package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"instdocs/internal/api"
	"instdocs/internal/auth"
	"instdocs/internal/config"
	"instdocs/internal/db"
	"instdocs/internal/repository"
	"instdocs/internal/services"
	"instdocs/internal/services/collaboration"
	"instdocs/internal/telemetry"
)

/*
BRANCH SERVICE

Startup order: config, tracing, storage, compaction workers, hub, HTTP.
Shutdown runs in reverse so in-flight messages finish against live storage.
*/

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.Info("starting instdocs branch service")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logrus.SetLevel(cfg.LogLevel)
	log := logrus.WithField("instance", cfg.InstanceID)

	if cfg.JaegerEndpoint != "" {
		jaegerShutdown, err := telemetry.InitJaeger(cfg.ServiceName, cfg.ServiceVersion, cfg.JaegerEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			log.WithError(err).Warn("failed to initialize Jaeger, continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.WithError(err).Warn("failed to shutdown Jaeger")
				}
			}()
		}
	}

	var repo services.UpdateRepository
	switch cfg.StoreDriver {
	case config.StorePostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer database.Close()
		repo = repository.NewUpdateRepository(database.DB)
	default:
		log.Warn("using in-memory branch store, branches are lost on restart")
		repo = repository.NewMemoryRepository()
	}

	compaction := services.NewCompactionService(repo, int64(cfg.CompactionThreshold),
		cfg.CompactionWorkers, cfg.CompactionQueueSize, log)
	compaction.Start()

	var tokens *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL)
	} else {
		log.Warn("JWT_SECRET not set, only public branches are reachable")
	}

	var fanout *collaboration.Fanout
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		fanout = collaboration.NewFanout(rdb, cfg.RedisChannel, cfg.InstanceID, log)
	}

	hub := collaboration.NewHub(repo, tokenValidator(tokens), compaction, fanout, collaboration.HubConfig{
		MaxBranchSize: cfg.MaxBranchSize,
		RateLimit:     rate.Limit(cfg.RateLimit),
		RateBurst:     cfg.RateBurst,
	}, log)
	hub.Start()

	wsHandler := collaboration.NewWebSocketHandler(hub)
	handler := api.NewHandler(repo, hub, compaction, apiTokenValidator(tokens), wsHandler, log)
	router := api.SetupRoutes(handler)

	// Websocket connections outlive any request timeout, so only the header
	// read is bounded.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":  cfg.Addr(),
			"store": cfg.StoreDriver,
		}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}

	hub.Shutdown()
	compaction.Shutdown()

	log.Info("server shutdown complete")
}

// tokenValidator keeps a nil issuer a nil interface.
func tokenValidator(t *auth.TokenIssuer) collaboration.TokenValidator {
	if t == nil {
		return nil
	}
	return t
}

func apiTokenValidator(t *auth.TokenIssuer) api.TokenValidator {
	if t == nil {
		return nil
	}
	return t
}
