// Package api provides the HTTP query and control surface of the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/energy"
	"github.com/maximugisha/smart-farm-power-control/internal/rollup"
	"github.com/maximugisha/smart-farm-power-control/internal/session"
)

// Server represents the HTTP API server.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	repo      domain.Repository
	control   domain.ControlPublisher
	generator *rollup.Generator
	ussd      *session.Flow
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. The USSD flow is optional; when
// nil the gateway callback route is not registered.
func NewServer(cfg *config.Config, repo domain.Repository, control domain.ControlPublisher, generator *rollup.Generator, ussd *session.Flow) *Server {
	router := mux.NewRouter()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		repo:      repo,
		control:   control,
		generator: generator,
		ussd:      ussd,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()
	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/stats", s.handleDeviceStats).Methods("GET")
	api.HandleFunc("/devices/{id}/readings", s.handleDeviceReadings).Methods("GET")
	api.HandleFunc("/devices/{id}/control", s.handleDeviceControl).Methods("POST")

	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/summaries", s.handleListSummaries).Methods("GET")
	api.HandleFunc("/rollups/{date}", s.handleRunRollup).Methods("POST")

	if s.ussd != nil {
		s.router.HandleFunc("/ussd/callback", s.handleUSSDCallback).Methods("POST")
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"device_count":   len(devices),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	device, err := s.repo.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("device %s not found", deviceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

// handleDeviceStats serves power statistics over a [from, to) window. An
// empty window yields zero-filled stats, not an error.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	from, to, err := windowParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.repo.GetDevice(r.Context(), deviceID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("device %s not found", deviceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	readings, err := s.repo.ReadingsBetween(r.Context(), deviceID, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	stats := energy.WindowStats(readings)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":      deviceID,
		"from":           from,
		"to":             to,
		"total_readings": stats.Count,
		"average_power":  stats.AvgPowerW,
		"max_power":      stats.MaxPowerW,
		"min_power":      stats.MinPowerW,
		"total_energy":   stats.TotalEnergyKWh,
		"readings":       stats.Readings,
	})
}

func (s *Server) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	from, to, err := windowParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	readings, err := s.repo.ReadingsBetween(r.Context(), deviceID, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

// controlRequest is the body of a device control command.
type controlRequest struct {
	Command string      `json:"command"`
	Value   interface{} `json:"value,omitempty"`
}

func (s *Server) handleDeviceControl(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("command is required"))
		return
	}

	if _, err := s.repo.GetDevice(r.Context(), deviceID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("device %s not found", deviceID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.control.SendDeviceControl(r.Context(), deviceID, req.Command, req.Value); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"device_id": deviceID,
		"command":   req.Command,
		"status":    "sent",
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("account query parameter is required"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	notifications, err := s.repo.ListNotifications(r.Context(), accountID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	summaryType := domain.SummaryType(r.URL.Query().Get("type"))
	if summaryType == "" {
		summaryType = domain.SummaryDaily
	}

	from, to, err := windowParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	summaries, err := s.repo.SummariesBetween(r.Context(), summaryType, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleRunRollup triggers an idempotent re-run of the daily generation for
// a historical date.
func (s *Server) handleRunRollup(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["date"]
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw))
		return
	}

	count, err := s.generator.GenerateDailySummary(r.Context(), date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":      raw,
		"summaries": count,
	})
}

// handleUSSDCallback serves the menu gateway. Responses are plain text with
// the CON/END continuation prefix the gateway expects.
func (s *Server) handleUSSDCallback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue("sessionId")
	phone := r.FormValue("phoneNumber")
	text := r.FormValue("text")

	if sessionID == "" || phone == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId and phoneNumber are required"))
		return
	}

	response, err := s.ussd.Handle(r.Context(), sessionID, phone, text)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("USSD flow failed")
		response = "END An error occurred. Please try again later."
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(response)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write USSD response")
	}
}

// windowParams parses the optional from/to RFC3339 query parameters,
// defaulting to the trailing 24 hours.
func windowParams(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from %q: %w", raw, err)
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to %q: %w", raw, err)
		}
		to = parsed
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be after from")
	}
	return from, to, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug().Err(err).Int("status", status).Msg("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
