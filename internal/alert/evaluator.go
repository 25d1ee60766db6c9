// Package alert implements the stateful threshold engine that classifies
// power samples and emits notifications with debouncing.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

// Level is the per-device alert state.
type Level int

const (
	LevelNormal Level = iota
	LevelWarned
	LevelCritical
)

// String returns the string representation of the alert level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarned:
		return "warned"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds are the effective warning/critical bands for one account.
type Thresholds struct {
	WarningW  float64
	CriticalW float64
}

// ResolveThresholds picks per-account settings when present, falling back to
// the configured defaults. Pure: never touches storage.
func ResolveThresholds(setting *domain.NotificationSetting, defaults Thresholds) Thresholds {
	if setting == nil {
		return defaults
	}
	resolved := defaults
	if setting.WarningThresholdW > 0 {
		resolved.WarningW = setting.WarningThresholdW
	}
	if setting.CriticalThresholdW > 0 {
		resolved.CriticalW = setting.CriticalThresholdW
	}
	return resolved
}

// deviceState tracks the last classified level and the last warning emission
// for one device. It is mutated only under the device's ingest ownership.
type deviceState struct {
	level         Level
	lastWarningAt time.Time
	hasWarning    bool
	restored      bool
}

// Evaluator classifies power samples against thresholds and emits
// notifications. Callers must serialize invocations per device; the ingestor
// holds the device lock across evaluation.
type Evaluator struct {
	repo     domain.Repository
	notifier domain.Notifier
	defaults Thresholds
	debounce time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[string]*deviceState

	now func() time.Time
}

// NewEvaluator creates an alert evaluator with configured default thresholds.
func NewEvaluator(cfg *config.Config, repo domain.Repository, notifier domain.Notifier) *Evaluator {
	return &Evaluator{
		repo:     repo,
		notifier: notifier,
		defaults: Thresholds{
			WarningW:  cfg.Alerts.WarningThresholdW,
			CriticalW: cfg.Alerts.CriticalThresholdW,
		},
		debounce: cfg.Alerts.WarningDebounce,
		logger:   log.With().Str("component", "alert").Logger(),
		states:   make(map[string]*deviceState),
		now:      time.Now,
	}
}

func (e *Evaluator) state(deviceID string) *deviceState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[deviceID]
	if !ok {
		st = &deviceState{}
		e.states[deviceID] = st
	}
	return st
}

// restoreState rebuilds debounce state from the notification history after a
// restart, so a warning emitted by a previous process still suppresses.
func (e *Evaluator) restoreState(ctx context.Context, st *deviceState, deviceID string) {
	if st.restored {
		return
	}
	st.restored = true

	ts, found, err := e.repo.LastWarningAt(ctx, deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("device_id", deviceID).
			Msg("Failed to restore warning history, debounce starts fresh")
		return
	}
	if found {
		st.lastWarningAt = ts
		st.hasWarning = true
	}
}

// EvaluatePower classifies one power sample. It returns the emitted
// notification, or nil when the sample was silent or suppressed.
//
// Rules: above critical always emits (no debounce); within the warning band
// emits only when no warning was emitted in the debounce window; at or below
// warning transitions to normal silently.
func (e *Evaluator) EvaluatePower(ctx context.Context, device *domain.Device, powerW float64) (*domain.Notification, error) {
	setting, err := e.effectiveSettings(ctx, device.AccountID)
	if err != nil {
		return nil, err
	}
	thresholds := ResolveThresholds(setting, e.defaults)

	st := e.state(device.DeviceID)
	e.restoreState(ctx, st, device.DeviceID)
	now := e.now()

	switch {
	case powerW > thresholds.CriticalW:
		st.level = LevelCritical
		notification := &domain.Notification{
			Title: fmt.Sprintf("Critical Power Usage: %s", device.Name),
			Message: fmt.Sprintf("Your device '%s' is consuming %.2fW, which exceeds the critical threshold of %.2fW. Please check your system.",
				device.Name, powerW, thresholds.CriticalW),
			Level:     domain.LevelAlert,
			AccountID: device.AccountID,
			DeviceID:  &device.DeviceID,
			SendSMS:   setting.ReceiveSMS,
			SendEmail: setting.ReceiveEmail,
			SendPush:  setting.ReceivePush,
			Timestamp: now,
		}
		if err := e.emit(ctx, notification, setting); err != nil {
			return nil, err
		}
		return notification, nil

	case powerW > thresholds.WarningW:
		// The debounce window checks prior warnings only; a recent critical
		// never suppresses a warning.
		if st.hasWarning && now.Sub(st.lastWarningAt) < e.debounce {
			e.logger.Debug().
				Str("device_id", device.DeviceID).
				Float64("power_w", powerW).
				Time("last_warning", st.lastWarningAt).
				Msg("Warning suppressed inside debounce window")
			return nil, nil
		}
		st.level = LevelWarned
		st.lastWarningAt = now
		st.hasWarning = true
		notification := &domain.Notification{
			Title: fmt.Sprintf("High Power Usage: %s", device.Name),
			Message: fmt.Sprintf("Your device '%s' is consuming %.2fW, which exceeds the warning threshold of %.2fW.",
				device.Name, powerW, thresholds.WarningW),
			Level:     domain.LevelWarning,
			AccountID: device.AccountID,
			DeviceID:  &device.DeviceID,
			SendSMS:   false, // SMS is reserved for critical severity
			SendEmail: setting.ReceiveEmail,
			SendPush:  setting.ReceivePush,
			Timestamp: now,
		}
		if err := e.emit(ctx, notification, setting); err != nil {
			return nil, err
		}
		return notification, nil

	default:
		// Return to normal is silent; only rising edges alert.
		st.level = LevelNormal
		return nil, nil
	}
}

// DeviceError emits an immediate critical-equivalent notification for a
// device reporting error status, bypassing all debounce logic. Device error
// is a distinct failure class from power overload.
func (e *Evaluator) DeviceError(ctx context.Context, device *domain.Device) (*domain.Notification, error) {
	setting, err := e.effectiveSettings(ctx, device.AccountID)
	if err != nil {
		return nil, err
	}

	st := e.state(device.DeviceID)
	st.level = LevelCritical

	notification := &domain.Notification{
		Title: fmt.Sprintf("Device Error: %s", device.Name),
		Message: fmt.Sprintf("Your device '%s' has reported an error status. Please check the device.",
			device.Name),
		Level:     domain.LevelAlert,
		AccountID: device.AccountID,
		DeviceID:  &device.DeviceID,
		SendSMS:   true,
		SendEmail: true,
		SendPush:  true,
		Timestamp: e.now(),
	}
	if err := e.emit(ctx, notification, setting); err != nil {
		return nil, err
	}
	return notification, nil
}

// CurrentLevel reports the last classified level for a device.
func (e *Evaluator) CurrentLevel(deviceID string) Level {
	return e.state(deviceID).level
}

// effectiveSettings resolves the account's settings row, persisting a row
// with the configured defaults on first touch so it is never left null.
func (e *Evaluator) effectiveSettings(ctx context.Context, accountID string) (*domain.NotificationSetting, error) {
	setting, err := e.repo.GetSettings(ctx, accountID)
	if err == nil {
		return setting, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.PersistenceError{Op: "get settings", Err: err}
	}

	created := domain.NotificationSetting{
		AccountID:          accountID,
		WarningThresholdW:  e.defaults.WarningW,
		CriticalThresholdW: e.defaults.CriticalW,
		ReceiveSMS:         true,
		ReceiveEmail:       true,
		ReceivePush:        true,
	}
	if err := e.repo.SaveSettings(ctx, created); err != nil {
		return nil, &domain.PersistenceError{Op: "save default settings", Err: err}
	}
	e.logger.Info().Str("account_id", accountID).Msg("Created default notification settings")
	return &created, nil
}

// emit persists the notification, then dispatches it. Persistence failure
// aborts the emission; dispatch failure is recorded on the row and logged,
// never propagated, so ingestion is not invalidated by a delivery problem.
func (e *Evaluator) emit(ctx context.Context, notification *domain.Notification, setting *domain.NotificationSetting) error {
	if err := e.repo.InsertNotification(ctx, notification); err != nil {
		return &domain.PersistenceError{Op: "insert notification", Err: err}
	}

	smsSent := false
	if notification.SendSMS && setting.PhoneNumber != "" {
		if err := e.notifier.SendSMS(ctx, setting.PhoneNumber, e.smsText(notification)); err != nil {
			e.logger.Warn().Err(err).
				Str("notification_id", notification.ID).
				Msg("SMS dispatch failed")
		} else {
			smsSent = true
		}
	}

	emailSent := false
	if notification.SendEmail && setting.Email != "" {
		if err := e.notifier.SendEmail(ctx, setting.Email, notification.Title, notification.Message); err != nil {
			e.logger.Warn().Err(err).
				Str("notification_id", notification.ID).
				Msg("Email dispatch failed")
		} else {
			emailSent = true
		}
	}

	if notification.SendPush {
		if err := e.notifier.SendPush(ctx, notification.AccountID, notification.Title, notification.Message); err != nil {
			e.logger.Warn().Err(err).
				Str("notification_id", notification.ID).
				Msg("Push dispatch failed")
		}
	}

	notification.SMSSent = smsSent
	notification.EmailSent = emailSent
	if err := e.repo.MarkDelivery(ctx, notification.ID, smsSent, emailSent); err != nil {
		e.logger.Warn().Err(err).
			Str("notification_id", notification.ID).
			Msg("Failed to record delivery result")
	}

	e.logger.Info().
		Str("notification_id", notification.ID).
		Str("level", string(notification.Level)).
		Str("title", notification.Title).
		Bool("sms_sent", smsSent).
		Msg("Notification emitted")
	return nil
}

// smsText renders the short-message form of an alert.
func (e *Evaluator) smsText(notification *domain.Notification) string {
	return fmt.Sprintf("ALERT: %s", notification.Message)
}
