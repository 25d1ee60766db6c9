package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/notify"
	"github.com/maximugisha/smart-farm-power-control/internal/rollup"
)

// memRepo backs handler tests and doubles as the rollup TxRunner.
type memRepo struct {
	devices       []domain.Device
	readings      map[string][]domain.Reading
	summaries     []domain.PowerSummary
	notifications []domain.Notification
}

func (r *memRepo) WithTx(_ context.Context, fn func(tx domain.Repository) error) error {
	return fn(r)
}

func (r *memRepo) GetDevice(_ context.Context, deviceID string) (*domain.Device, error) {
	for i := range r.devices {
		if r.devices[i].DeviceID == deviceID {
			return &r.devices[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) ListDevices(_ context.Context) ([]domain.Device, error) { return r.devices, nil }
func (r *memRepo) UpdateDeviceState(_ context.Context, _ *domain.Device) error {
	return nil
}
func (r *memRepo) AppendReading(_ context.Context, _ domain.Reading) error { return nil }

func (r *memRepo) ReadingsBetween(_ context.Context, deviceID string, from, to time.Time) ([]domain.Reading, error) {
	var out []domain.Reading
	for _, reading := range r.readings[deviceID] {
		if !reading.Timestamp.Before(from) && reading.Timestamp.Before(to) {
			out = append(out, reading)
		}
	}
	return out, nil
}

func (r *memRepo) UpsertSummary(_ context.Context, summary domain.PowerSummary) error {
	r.summaries = append(r.summaries, summary)
	return nil
}

func (r *memRepo) SummariesBetween(_ context.Context, _ domain.SummaryType, _, _ time.Time) ([]domain.PowerSummary, error) {
	return r.summaries, nil
}

func (r *memRepo) ActiveRate(_ context.Context, _ time.Time) (*domain.EnergyRate, error) {
	return nil, domain.ErrNotFound
}
func (r *memRepo) GetSettings(_ context.Context, _ string) (*domain.NotificationSetting, error) {
	return nil, domain.ErrNotFound
}
func (r *memRepo) SettingsByPhone(_ context.Context, _ string) (*domain.NotificationSetting, error) {
	return nil, domain.ErrNotFound
}
func (r *memRepo) SaveSettings(_ context.Context, _ domain.NotificationSetting) error { return nil }
func (r *memRepo) InsertNotification(_ context.Context, _ *domain.Notification) error { return nil }
func (r *memRepo) MarkDelivery(_ context.Context, _ string, _, _ bool) error          { return nil }
func (r *memRepo) LastWarningAt(_ context.Context, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (r *memRepo) ListNotifications(_ context.Context, accountID string, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	for _, n := range r.notifications {
		if n.AccountID == accountID {
			out = append(out, n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.Repository = (*memRepo)(nil)

type controlRecorder struct {
	deviceIDs []string
	commands  []string
}

func (c *controlRecorder) SendDeviceControl(_ context.Context, deviceID, command string, _ interface{}) error {
	c.deviceIDs = append(c.deviceIDs, deviceID)
	c.commands = append(c.commands, command)
	return nil
}

func serverFixture(t *testing.T) (*Server, *memRepo, *controlRecorder) {
	t.Helper()

	repo := &memRepo{
		devices: []domain.Device{
			{DeviceID: "pump-1", AccountID: "acct-1", Name: "Water Pump", Status: domain.StatusOnline},
		},
		readings: make(map[string][]domain.Reading),
	}
	control := &controlRecorder{}

	cfg := config.DefaultConfig()
	generator := rollup.NewGenerator(cfg, repo, notify.NewNoopNotifier())
	return NewServer(cfg, repo, control, generator, nil), repo, control
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, req)
	return recorder
}

func TestStatus(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["device_count"])
}

func TestGetDevice(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodGet, "/api/v1/devices/pump-1", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var device domain.Device
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &device))
	assert.Equal(t, "Water Pump", device.Name)

	resp = doRequest(server, http.MethodGet, "/api/v1/devices/ghost-9", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDeviceStatsEmptyWindowIsZeroFilled(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodGet,
		"/api/v1/devices/pump-1/stats?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["total_readings"])
	assert.Equal(t, float64(0), body["total_energy"])
	assert.Equal(t, []interface{}{}, body["readings"])
}

func TestDeviceStats(t *testing.T) {
	server, repo, _ := serverFixture(t)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo.readings["pump-1"] = []domain.Reading{
		{DeviceID: "pump-1", Timestamp: base, PowerW: 400},
		{DeviceID: "pump-1", Timestamp: base.Add(time.Hour), PowerW: 600},
	}

	resp := doRequest(server, http.MethodGet,
		"/api/v1/devices/pump-1/stats?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["total_readings"])
	assert.Equal(t, float64(500), body["average_power"])
	assert.Equal(t, float64(600), body["max_power"])
	assert.InDelta(t, 0.5, body["total_energy"].(float64), 1e-9)
}

func TestDeviceStatsBadWindow(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodGet, "/api/v1/devices/pump-1/stats?from=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(server, http.MethodGet,
		"/api/v1/devices/pump-1/stats?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDeviceControl(t *testing.T) {
	server, _, control := serverFixture(t)

	resp := doRequest(server, http.MethodPost, "/api/v1/devices/pump-1/control",
		`{"command": "power", "value": "off"}`)
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, control.commands, 1)
	assert.Equal(t, "pump-1", control.deviceIDs[0])
	assert.Equal(t, "power", control.commands[0])

	resp = doRequest(server, http.MethodPost, "/api/v1/devices/pump-1/control", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(server, http.MethodPost, "/api/v1/devices/ghost-9/control",
		`{"command": "power"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestListNotificationsRequiresAccount(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodGet, "/api/v1/notifications", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(server, http.MethodGet, "/api/v1/notifications?account=acct-1&limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(server, http.MethodGet, "/api/v1/notifications?account=acct-1", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRunRollup(t *testing.T) {
	server, repo, _ := serverFixture(t)

	resp := doRequest(server, http.MethodPost, "/api/v1/rollups/2026-03-01", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	// No readings: only the farm-wide row is written.
	assert.Equal(t, float64(1), body["summaries"])
	assert.Len(t, repo.summaries, 1)

	resp = doRequest(server, http.MethodPost, "/api/v1/rollups/March-1st", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUSSDRouteAbsentWithoutFlow(t *testing.T) {
	server, _, _ := serverFixture(t)

	resp := doRequest(server, http.MethodPost, "/ussd/callback", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
