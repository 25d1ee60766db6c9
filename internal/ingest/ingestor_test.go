package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximugisha/smart-farm-power-control/internal/alert"
	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/notify"
)

// memRepo is an in-memory repository that records the order of writes, so
// tests can assert persistence ordering. It is mutex-guarded because the
// ingestor processes distinct devices concurrently.
type memRepo struct {
	mu       sync.Mutex
	devices  map[string]*domain.Device
	readings []domain.Reading
	settings map[string]domain.NotificationSetting
	notified []*domain.Notification
	events   []string
}

func newMemRepo() *memRepo {
	return &memRepo{
		devices:  make(map[string]*domain.Device),
		settings: make(map[string]domain.NotificationSetting),
	}
}

func (r *memRepo) GetDevice(_ context.Context, deviceID string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *memRepo) ListDevices(_ context.Context) ([]domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (r *memRepo) UpdateDeviceState(_ context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[device.DeviceID]; !ok {
		return domain.ErrNotFound
	}
	copied := *device
	r.devices[device.DeviceID] = &copied
	r.events = append(r.events, "state")
	return nil
}

func (r *memRepo) AppendReading(_ context.Context, reading domain.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	r.events = append(r.events, "reading")
	return nil
}

func (r *memRepo) ReadingsBetween(_ context.Context, _ string, _, _ time.Time) ([]domain.Reading, error) {
	return nil, nil
}
func (r *memRepo) UpsertSummary(_ context.Context, _ domain.PowerSummary) error { return nil }
func (r *memRepo) SummariesBetween(_ context.Context, _ domain.SummaryType, _, _ time.Time) ([]domain.PowerSummary, error) {
	return nil, nil
}
func (r *memRepo) ActiveRate(_ context.Context, _ time.Time) (*domain.EnergyRate, error) {
	return nil, domain.ErrNotFound
}

func (r *memRepo) GetSettings(_ context.Context, accountID string) (*domain.NotificationSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	setting, ok := r.settings[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &setting, nil
}

func (r *memRepo) SettingsByPhone(_ context.Context, _ string) (*domain.NotificationSetting, error) {
	return nil, domain.ErrNotFound
}

func (r *memRepo) SaveSettings(_ context.Context, setting domain.NotificationSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[setting.AccountID] = setting
	return nil
}

func (r *memRepo) InsertNotification(_ context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == "" {
		n.ID = "n-1"
	}
	copied := *n
	r.notified = append(r.notified, &copied)
	r.events = append(r.events, "notification")
	return nil
}

func (r *memRepo) MarkDelivery(_ context.Context, _ string, _, _ bool) error { return nil }

func (r *memRepo) LastWarningAt(_ context.Context, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (r *memRepo) ListNotifications(_ context.Context, _ string, _ int) ([]domain.Notification, error) {
	return nil, nil
}

var _ domain.Repository = (*memRepo)(nil)

func newTestIngestor(repo *memRepo) *Ingestor {
	cfg := config.DefaultConfig()
	evaluator := alert.NewEvaluator(cfg, repo, notify.NewNoopNotifier())
	ingestor := NewIngestor(repo, evaluator)
	ingestor.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return ingestor
}

func registerDevice(repo *memRepo) {
	repo.devices["pump-1"] = &domain.Device{
		DeviceID:  "pump-1",
		AccountID: "acct-1",
		Name:      "Water Pump",
		Status:    domain.StatusOnline,
		PowerOn:   true,
	}
}

func TestHandleTelemetryPersistsReading(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	payload := []byte(`{"power": 450.5, "voltage": 231.2, "current": 1.95, "power_factor": 0.92}`)
	reading, err := ingestor.HandleTelemetry(context.Background(), "pump-1", payload)
	require.NoError(t, err)
	require.NotNil(t, reading)

	assert.Equal(t, 450.5, reading.PowerW)
	assert.Equal(t, 231.2, reading.Voltage)
	require.Len(t, repo.readings, 1)
	assert.Equal(t, "pump-1", repo.readings[0].DeviceID)

	// Ingestion time is used when the device sends no timestamp.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), reading.Timestamp)

	device := repo.devices["pump-1"]
	assert.Equal(t, 450.5, device.CurrentPowerW)
}

func TestHandleTelemetryDeviceTimestamp(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	payload := []byte(`{"power": 100, "timestamp": 1772260200}`)
	reading, err := ingestor.HandleTelemetry(context.Background(), "pump-1", payload)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1772260200, 0).UTC(), reading.Timestamp)

	payload = []byte(`{"power": 100, "timestamp": "2026-02-28T06:30:00Z"}`)
	reading, err = ingestor.HandleTelemetry(context.Background(), "pump-1", payload)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 6, 30, 0, 0, time.UTC), reading.Timestamp)
}

func TestHandleTelemetryNumericStrings(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	payload := []byte(`{"power": "450", "voltage": "230.5"}`)
	reading, err := ingestor.HandleTelemetry(context.Background(), "pump-1", payload)
	require.NoError(t, err)
	assert.Equal(t, 450.0, reading.PowerW)
	assert.Equal(t, 230.5, reading.Voltage)
}

func TestHandleTelemetryMalformed(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	cases := map[string][]byte{
		"invalid json":       []byte(`{not json`),
		"array payload":      []byte(`[1,2,3]`),
		"negative power":     []byte(`{"power": -5}`),
		"unparseable power":  []byte(`{"power": "lots"}`),
		"bad timestamp":      []byte(`{"power": 100, "timestamp": "yesterday"}`),
		"bad timestamp type": []byte(`{"power": 100, "timestamp": true}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestor.HandleTelemetry(context.Background(), "pump-1", payload)
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
	assert.Empty(t, repo.readings, "malformed payloads must not persist readings")
}

func TestHandleTelemetryUnknownDevice(t *testing.T) {
	repo := newMemRepo()
	ingestor := newTestIngestor(repo)

	_, err := ingestor.HandleTelemetry(context.Background(), "ghost-9", []byte(`{"power": 100}`))
	assert.ErrorIs(t, err, domain.ErrUnknownDevice)
	assert.Empty(t, repo.readings)
}

func TestHandleTelemetryWithoutPowerRefreshesLiveness(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	reading, err := ingestor.HandleTelemetry(context.Background(), "pump-1", []byte(`{"voltage": 230}`))
	require.NoError(t, err)
	assert.Nil(t, reading)
	assert.Empty(t, repo.readings)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), repo.devices["pump-1"].LastUpdated)
}

func TestHandleTelemetryPersistsBeforeAlert(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	// 1500W exceeds the default critical threshold.
	_, err := ingestor.HandleTelemetry(context.Background(), "pump-1", []byte(`{"power": 1500}`))
	require.NoError(t, err)

	require.Len(t, repo.notified, 1)
	readingIdx, notificationIdx := -1, -1
	for i, event := range repo.events {
		switch event {
		case "reading":
			readingIdx = i
		case "notification":
			notificationIdx = i
		}
	}
	require.NotEqual(t, -1, readingIdx)
	require.NotEqual(t, -1, notificationIdx)
	assert.Less(t, readingIdx, notificationIdx, "reading must be durable before the alert is emitted")
}

func TestHandleTelemetryConcurrentSameDevice(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	// A burst of same-device samples in the warning band. The per-device lock
	// makes them look sequential, so the debounce admits exactly one warning
	// while every reading still lands.
	const samples = 20
	var wg sync.WaitGroup
	for i := 0; i < samples; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ingestor.HandleTelemetry(context.Background(), "pump-1", []byte(`{"power": 900}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, repo.readings, samples)
	require.Len(t, repo.notified, 1)
	assert.Equal(t, domain.LevelWarning, repo.notified[0].Level)
}

func TestHandleStatusUpdatesState(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	payload := []byte(`{"status": "offline", "power_state": "off", "firmware_version": "2.1.0"}`)
	require.NoError(t, ingestor.HandleStatus(context.Background(), "pump-1", payload))

	device := repo.devices["pump-1"]
	assert.Equal(t, domain.StatusOffline, device.Status)
	assert.False(t, device.PowerOn)
	assert.Equal(t, "2.1.0", device.FirmwareVersion)
	assert.Empty(t, repo.notified)
}

func TestHandleStatusErrorRaisesAlert(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	require.NoError(t, ingestor.HandleStatus(context.Background(), "pump-1", []byte(`{"status": "error"}`)))

	require.Len(t, repo.notified, 1)
	notification := repo.notified[0]
	assert.Equal(t, domain.LevelAlert, notification.Level)
	assert.True(t, notification.SendSMS)
	assert.True(t, notification.SendEmail)
	assert.True(t, notification.SendPush)
}

func TestHandleStatusMalformedBool(t *testing.T) {
	repo := newMemRepo()
	registerDevice(repo)
	ingestor := newTestIngestor(repo)

	err := ingestor.HandleStatus(context.Background(), "pump-1", []byte(`{"power_state": "maybe"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
