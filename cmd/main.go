// Package main provides the entry point for the smart-farm power engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/notify"
	"github.com/maximugisha/smart-farm-power-control/internal/service"
	"github.com/maximugisha/smart-farm-power-control/internal/session"
	"github.com/maximugisha/smart-farm-power-control/internal/storage"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("smart-farm power engine %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting smart-farm power engine")
	cfg.Print()

	pool, err := storage.NewPool(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer pool.Close()
	store := storage.NewStore(pool)

	// Alerts fall back to a silent notifier when no gateway is configured.
	var notifier domain.Notifier
	if cfg.SMS.Enabled {
		notifier = notify.NewSMSGateway(cfg)
		log.Info().Msg("SMS gateway enabled")
	} else {
		notifier = notify.NewNoopNotifier()
		log.Info().Msg("SMS disabled, using noop notifier")
	}

	var sessions *session.Manager
	if cfg.Session.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Addr,
			Password: cfg.Session.Password,
			DB:       cfg.Session.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, interactive sessions disabled")
		} else {
			sessions = session.NewManager(redisClient, cfg.Session.TTL)
			log.Info().Str("addr", cfg.Session.Addr).Msg("Session store connected")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close redis client")
			}
		}()
	}
	srv, err := service.NewServer(cfg, store, notifier, sessions)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start server")
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
