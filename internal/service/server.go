// Package service wires the engine's components into one runnable server.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/alert"
	"github.com/maximugisha/smart-farm-power-control/internal/api"
	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/ingest"
	"github.com/maximugisha/smart-farm-power-control/internal/pubsub"
	"github.com/maximugisha/smart-farm-power-control/internal/rollup"
	"github.com/maximugisha/smart-farm-power-control/internal/session"
	"github.com/maximugisha/smart-farm-power-control/internal/storage"
)

// Server owns the ingestion pipeline, rollup scheduler and HTTP API, and
// manages their lifecycle as one unit.
type Server struct {
	config     *config.Config
	store      *storage.Store
	evaluator  *alert.Evaluator
	ingestor   *ingest.Ingestor
	mqttClient *pubsub.Client
	control    domain.ControlPublisher
	generator  *rollup.Generator
	scheduler  *rollup.Scheduler
	apiServer  *api.Server

	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a fully wired server instance. The store carries both
// the repository and transactional surfaces; notifier is the dispatch
// boundary shared by alerting and rollups. Sessions may be nil, which
// disables the interactive menu flow.
func NewServer(cfg *config.Config, store *storage.Store, notifier domain.Notifier, sessions *session.Manager) (*Server, error) {
	logger := log.With().Str("component", "server").Logger()

	evaluator := alert.NewEvaluator(cfg, store, notifier)
	ingestor := ingest.NewIngestor(store, evaluator)
	generator := rollup.NewGenerator(cfg, store, notifier)

	server := &Server{
		config:    cfg,
		store:     store,
		evaluator: evaluator,
		ingestor:  ingestor,
		generator: generator,
		control:   pubsub.NewNoopPublisher(),
		logger:    logger,
	}

	if cfg.MQTT.Enabled {
		server.mqttClient = pubsub.NewClient(cfg, ingestor)
		server.control = server.mqttClient
	}

	if cfg.Rollup.Enabled {
		server.scheduler = rollup.NewScheduler(cfg, generator)
	}

	if cfg.API.Enabled {
		var flow *session.Flow
		if sessions != nil {
			flow = session.NewFlow(sessions, store, server.control)
		}
		server.apiServer = api.NewServer(cfg, store, server.control, generator, flow)
	}

	return server, nil
}

// Start brings up all enabled components. A broker that is down at startup
// is logged and retried by the client's auto-reconnect; it does not abort
// the server.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if s.mqttClient != nil {
		if err := s.mqttClient.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("MQTT broker unreachable, continuing without ingestion")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return err
		}
	}

	if s.scheduler != nil {
		jobCtx, cancel := context.WithCancel(context.Background())
		s.cancelJobs = cancel

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.scheduler.Run(jobCtx); err != nil && jobCtx.Err() == nil {
				s.logger.Error().Err(err).Msg("Rollup scheduler exited")
			}
		}()
	}

	s.logger.Info().
		Bool("mqtt", s.mqttClient != nil).
		Bool("api", s.apiServer != nil).
		Bool("rollup", s.scheduler != nil).
		Msg("Server started")
	return nil
}

// Stop gracefully shuts down all components in reverse start order.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if s.cancelJobs != nil {
		s.cancelJobs()
	}
	s.wg.Wait()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if s.mqttClient != nil {
		if err := s.mqttClient.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close MQTT client")
		}
	}

	return nil
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
