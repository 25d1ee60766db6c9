// Package ingest decodes raw telemetry messages into validated readings and
// drives device state updates and alert evaluation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/alert"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

// Ingestor turns raw payloads into durable readings and state updates.
//
// Invocations for distinct devices proceed fully in parallel; messages for
// the same device are serialized under a per-device lock, which also covers
// alert evaluation, so threshold transitions never race.
type Ingestor struct {
	repo      domain.Repository
	evaluator *alert.Evaluator
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewIngestor creates an ingestor bound to a repository and alert evaluator.
func NewIngestor(repo domain.Repository, evaluator *alert.Evaluator) *Ingestor {
	return &Ingestor{
		repo:      repo,
		evaluator: evaluator,
		logger:    log.With().Str("component", "ingest").Logger(),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// deviceLock returns the single lock owning a device's {state, alert state}.
func (i *Ingestor) deviceLock(deviceID string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		i.locks[deviceID] = l
	}
	return l
}

// HandleStatus processes a device-status message: status, power_state and
// firmware_version fields are applied when present. A status of "error"
// raises an immediate critical notification after the state is persisted.
func (i *Ingestor) HandleStatus(ctx context.Context, deviceID string, payload []byte) error {
	fields, err := decodePayload(payload)
	if err != nil {
		return err
	}

	lock := i.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	device, err := i.lookupDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	if status, ok := fields["status"].(string); ok {
		device.Status = domain.DeviceStatus(status)
	}
	if on, ok, err := boolField(fields, "power_state"); err != nil {
		return err
	} else if ok {
		device.PowerOn = on
	}
	if fw, ok := fields["firmware_version"].(string); ok {
		device.FirmwareVersion = fw
	}
	device.LastUpdated = i.now().UTC()

	if err := i.repo.UpdateDeviceState(ctx, device); err != nil {
		return &domain.PersistenceError{Op: "update device state", Err: err}
	}

	i.logger.Info().
		Str("device_id", deviceID).
		Str("status", string(device.Status)).
		Bool("power_state", device.PowerOn).
		Msg("Device status updated")

	if device.Status == domain.StatusError {
		if _, err := i.evaluator.DeviceError(ctx, device); err != nil {
			return err
		}
	}
	return nil
}

// HandleTelemetry processes a telemetry message. When a power field is
// present a Reading is constructed and persisted even if voltage/current are
// absent (stored as zero), and the alert evaluator runs strictly after the
// reading is durable.
func (i *Ingestor) HandleTelemetry(ctx context.Context, deviceID string, payload []byte) (*domain.Reading, error) {
	fields, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	lock := i.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	device, err := i.lookupDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	powerW, hasPower, err := numField(fields, "power")
	if err != nil {
		return nil, err
	}
	if !hasPower {
		// Telemetry without power still refreshes liveness.
		device.LastUpdated = i.now().UTC()
		if err := i.repo.UpdateDeviceState(ctx, device); err != nil {
			return nil, &domain.PersistenceError{Op: "update device state", Err: err}
		}
		return nil, nil
	}
	if powerW < 0 {
		return nil, fmt.Errorf("%w: negative power %.2f", domain.ErrMalformedPayload, powerW)
	}

	voltage, _, err := numField(fields, "voltage")
	if err != nil {
		return nil, err
	}
	current, _, err := numField(fields, "current")
	if err != nil {
		return nil, err
	}
	powerFactor, _, err := numField(fields, "power_factor")
	if err != nil {
		return nil, err
	}
	energy, _, err := numField(fields, "energy")
	if err != nil {
		return nil, err
	}

	timestamp, err := i.readingTimestamp(fields)
	if err != nil {
		return nil, err
	}

	reading := domain.Reading{
		DeviceID:    deviceID,
		Timestamp:   timestamp,
		PowerW:      powerW,
		Voltage:     voltage,
		CurrentA:    current,
		PowerFactor: powerFactor,
		EnergyKWh:   energy,
	}

	device.CurrentPowerW = powerW
	device.LastUpdated = i.now().UTC()
	if err := i.repo.UpdateDeviceState(ctx, device); err != nil {
		return nil, &domain.PersistenceError{Op: "update device state", Err: err}
	}
	if err := i.repo.AppendReading(ctx, reading); err != nil {
		return nil, &domain.PersistenceError{Op: "append reading", Err: err}
	}

	i.logger.Debug().
		Str("device_id", deviceID).
		Float64("power_w", powerW).
		Time("timestamp", timestamp).
		Msg("Recorded power reading")

	// Persistence happens-before alert evaluation: a reader never observes an
	// alert whose underlying reading is not yet queryable.
	if _, err := i.evaluator.EvaluatePower(ctx, device, powerW); err != nil {
		return &reading, err
	}
	return &reading, nil
}

func (i *Ingestor) lookupDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := i.repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, deviceID)
		}
		return nil, &domain.PersistenceError{Op: "get device", Err: err}
	}
	return device, nil
}

// readingTimestamp honors a device-supplied timestamp (unix seconds or
// RFC3339) and falls back to ingestion time. Out-of-order arrival is
// tolerated; ordering is restored at query time.
func (i *Ingestor) readingTimestamp(fields map[string]interface{}) (time.Time, error) {
	raw, ok := fields["timestamp"]
	if !ok {
		return i.now().UTC(), nil
	}

	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp %q", domain.ErrMalformedPayload, v)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: bad timestamp type %T", domain.ErrMalformedPayload, raw)
	}
}

// decodePayload parses a JSON object payload. Unknown fields are ignored by
// construction; non-object payloads are malformed.
func decodePayload(payload []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return fields, nil
}

// numField extracts a numeric field, accepting JSON numbers and numeric
// strings. A present but unparseable value is a malformed payload.
func numField(fields map[string]interface{}, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: field %q = %q", domain.ErrMalformedPayload, key, v)
		}
		return parsed, true, nil
	default:
		return 0, false, fmt.Errorf("%w: field %q has type %T", domain.ErrMalformedPayload, key, raw)
	}
}

// boolField extracts a boolean field, accepting booleans and the common
// "on"/"off" string forms firmware tends to send.
func boolField(fields map[string]interface{}, key string) (bool, bool, error) {
	raw, ok := fields[key]
	if !ok {
		return false, false, nil
	}

	switch v := raw.(type) {
	case bool:
		return v, true, nil
	case string:
		switch v {
		case "on", "true", "1":
			return true, true, nil
		case "off", "false", "0":
			return false, true, nil
		}
		return false, false, fmt.Errorf("%w: field %q = %q", domain.ErrMalformedPayload, key, v)
	default:
		return false, false, fmt.Errorf("%w: field %q has type %T", domain.ErrMalformedPayload, key, raw)
	}
}
