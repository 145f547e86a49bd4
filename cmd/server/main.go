package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/api/handlers"
	"github.com/ergometer-live/backend/api/middleware"
	"github.com/ergometer-live/backend/internal/bridge"
	"github.com/ergometer-live/backend/internal/config"
	"github.com/ergometer-live/backend/internal/db"
	"github.com/ergometer-live/backend/internal/logger"
	"github.com/ergometer-live/backend/internal/repository"
	"github.com/ergometer-live/backend/internal/workout"
	"github.com/ergometer-live/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ERGO_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The configured logger is not available yet.
		bootstrap := logger.New(config.Default().Log)
		bootstrap.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	log := logger.New(cfg.Log)

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to initialize database")
	}
	defer db.CloseDB()

	workoutRepo := repository.NewWorkoutRepository(database)
	tracker := workout.NewTracker(workoutRepo, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsOpts := ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendQueue:      cfg.Server.SendQueue,
	}
	if fanout := buildBridge(ctx, cfg, log); fanout != nil {
		defer fanout.Close()
		wsOpts.Forward = fanout.Publish
	}

	wsService := ws.NewService(tracker, wsOpts, log)
	defer wsService.Close()

	workoutHandler := handlers.NewWorkoutHandler(workoutRepo, wsService)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler(), log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	workoutHandler.RegisterRoutes(api)
	wsHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting relay server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildBridge returns a fanout over the configured event sinks, or nil when
// none are configured. A sink that cannot start is logged and skipped.
func buildBridge(ctx context.Context, cfg *config.Config, log zerolog.Logger) *bridge.Fanout {
	var sinks []bridge.Sink

	if cfg.MQTT.Enabled() {
		sinks = append(sinks, bridge.NewMQTTSink(cfg.MQTT, log))
		log.Info().Str("broker", cfg.MQTT.Broker).Str("prefix", cfg.MQTT.TopicPrefix).Msg("mqtt bridge enabled")
	}

	if cfg.Influx.Enabled() {
		sink, err := bridge.NewInfluxSink(ctx, cfg.Influx, log)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.Influx.URL).Msg("influx bridge disabled")
		} else {
			sinks = append(sinks, sink)
			log.Info().Str("url", cfg.Influx.URL).Str("bucket", cfg.Influx.Bucket).Msg("influx bridge enabled")
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return bridge.NewFanout(log, bridge.DefaultQueueSize, sinks...)
}
