// Package storage implements the repository boundary over PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	getDeviceSQL = `SELECT
        device_id, account_id, name, device_type, location, status,
        power_state, current_power, max_power, firmware_version, last_updated
    FROM devices
    WHERE device_id = $1;`

	listDevicesSQL = `SELECT
        device_id, account_id, name, device_type, location, status,
        power_state, current_power, max_power, firmware_version, last_updated
    FROM devices
    ORDER BY device_id;`

	updateDeviceStateSQL = `UPDATE devices
    SET status = $2,
        power_state = $3,
        current_power = $4,
        firmware_version = $5,
        last_updated = $6
    WHERE device_id = $1;`

	appendReadingSQL = `INSERT INTO power_readings (
        device_id, timestamp, power_usage, voltage, current, power_factor, energy_consumed
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	readingsBetweenSQL = `SELECT
        device_id, timestamp, power_usage, voltage, current, power_factor, energy_consumed
    FROM power_readings
    WHERE device_id = $1
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp;`

	upsertSummarySQL = `INSERT INTO power_summaries (
        device_id, summary_type, date, total_energy, peak_power, average_power, cost_estimate
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT ((COALESCE(device_id, '')), summary_type, date) DO UPDATE
    SET total_energy  = EXCLUDED.total_energy,
        peak_power    = EXCLUDED.peak_power,
        average_power = EXCLUDED.average_power,
        cost_estimate = EXCLUDED.cost_estimate;`

	summariesBetweenSQL = `SELECT
        device_id, summary_type, date, total_energy, peak_power, average_power, cost_estimate
    FROM power_summaries
    WHERE summary_type = $1
      AND date >= $2
      AND date < $3
    ORDER BY date, device_id NULLS FIRST;`

	activeRateSQL = `SELECT
        name, rate_per_kwh, currency, valid_from, valid_to,
        is_time_of_use, peak_start_hour, peak_end_hour, peak_rate, off_peak_rate
    FROM energy_rates
    WHERE valid_from <= $1
      AND (valid_to IS NULL OR valid_to >= $1)
    ORDER BY valid_from DESC
    LIMIT 1;`

	getSettingsSQL = `SELECT
        account_id, power_threshold_warning, power_threshold_critical,
        receive_sms, receive_email, receive_push, phone_number, email_address
    FROM notification_settings
    WHERE account_id = $1;`

	settingsByPhoneSQL = `SELECT
        account_id, power_threshold_warning, power_threshold_critical,
        receive_sms, receive_email, receive_push, phone_number, email_address
    FROM notification_settings
    WHERE phone_number = $1
    LIMIT 1;`

	saveSettingsSQL = `INSERT INTO notification_settings (
        account_id, power_threshold_warning, power_threshold_critical,
        receive_sms, receive_email, receive_push, phone_number, email_address
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (account_id) DO UPDATE
    SET power_threshold_warning  = EXCLUDED.power_threshold_warning,
        power_threshold_critical = EXCLUDED.power_threshold_critical,
        receive_sms   = EXCLUDED.receive_sms,
        receive_email = EXCLUDED.receive_email,
        receive_push  = EXCLUDED.receive_push,
        phone_number  = EXCLUDED.phone_number,
        email_address = EXCLUDED.email_address;`

	insertNotificationSQL = `INSERT INTO notifications (
        id, title, message, notification_type, account_id, device_id,
        send_sms, send_email, send_push, sms_sent, email_sent, timestamp
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	markDeliverySQL = `UPDATE notifications
    SET sms_sent = $2, email_sent = $3
    WHERE id = $1;`

	lastWarningAtSQL = `SELECT timestamp
    FROM notifications
    WHERE device_id = $1
      AND notification_type = 'warning'
    ORDER BY timestamp DESC
    LIMIT 1;`

	listNotificationsSQL = `SELECT
        id, title, message, notification_type, account_id, device_id,
        send_sms, send_email, send_push, sms_sent, email_sent, timestamp
    FROM notifications
    WHERE account_id = $1
    ORDER BY timestamp DESC
    LIMIT $2;`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every Store
// method works unchanged inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Repository over a pgx pool.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (querier, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// WithTx runs fn against a Store view bound to a single transaction. The
// transaction commits only if fn returns nil; any error rolls everything
// back, leaving prior state unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	if s == nil || s.pool == nil {
		return ErrNotConfigured
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &Store{db: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetDevice fetches one device by its transport-stable ID.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	device, err := scanDevice(db.QueryRow(ctx, getDeviceSQL, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevices returns all known devices.
func (s *Store) ListDevices(ctx context.Context) ([]domain.Device, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listDevicesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list devices: %w", queryErr)
	}
	defer rows.Close()

	devices := make([]domain.Device, 0)
	for rows.Next() {
		device, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		devices = append(devices, *device)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return devices, nil
}

// UpdateDeviceState persists the mutable fields of a device record.
func (s *Store) UpdateDeviceState(ctx context.Context, device *domain.Device) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tag, execErr := db.Exec(ctx, updateDeviceStateSQL,
		device.DeviceID,
		string(device.Status),
		device.PowerOn,
		device.CurrentPowerW,
		device.FirmwareVersion,
		device.LastUpdated,
	)
	if execErr != nil {
		return fmt.Errorf("update device state: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendReading stores one immutable telemetry sample.
func (s *Store) AppendReading(ctx context.Context, reading domain.Reading) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, execErr := db.Exec(ctx, appendReadingSQL,
		reading.DeviceID,
		reading.Timestamp,
		reading.PowerW,
		reading.Voltage,
		reading.CurrentA,
		reading.PowerFactor,
		reading.EnergyKWh,
	); execErr != nil {
		return fmt.Errorf("append reading: %w", execErr)
	}
	return nil
}

// ReadingsBetween returns readings in [from, to) ordered by timestamp.
func (s *Store) ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]domain.Reading, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, readingsBetweenSQL, deviceID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("readings between: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]domain.Reading, 0)
	for rows.Next() {
		var r domain.Reading
		if scanErr := rows.Scan(
			&r.DeviceID, &r.Timestamp, &r.PowerW, &r.Voltage,
			&r.CurrentA, &r.PowerFactor, &r.EnergyKWh,
		); scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// UpsertSummary replaces any existing summary for the same key.
func (s *Store) UpsertSummary(ctx context.Context, summary domain.PowerSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, execErr := db.Exec(ctx, upsertSummarySQL,
		summary.DeviceID,
		string(summary.SummaryType),
		summary.Date,
		summary.TotalEnergyKWh,
		summary.PeakPowerW,
		summary.AveragePowerW,
		summary.CostEstimate.String(),
	); execErr != nil {
		return fmt.Errorf("upsert summary: %w", execErr)
	}
	return nil
}

// SummariesBetween lists summaries of one type with date in [from, to).
func (s *Store) SummariesBetween(ctx context.Context, summaryType domain.SummaryType, from, to time.Time) ([]domain.PowerSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, summariesBetweenSQL, string(summaryType), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("summaries between: %w", queryErr)
	}
	defer rows.Close()

	summaries := make([]domain.PowerSummary, 0)
	for rows.Next() {
		var (
			sum     domain.PowerSummary
			sumType string
			costStr string
		)
		if scanErr := rows.Scan(
			&sum.DeviceID, &sumType, &sum.Date, &sum.TotalEnergyKWh,
			&sum.PeakPowerW, &sum.AveragePowerW, &costStr,
		); scanErr != nil {
			return nil, scanErr
		}
		sum.SummaryType = domain.SummaryType(sumType)
		cost, convErr := decimal.NewFromString(costStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse cost estimate: %w", convErr)
		}
		sum.CostEstimate = cost
		summaries = append(summaries, sum)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return summaries, nil
}

// ActiveRate resolves the tariff covering the given instant.
func (s *Store) ActiveRate(ctx context.Context, at time.Time) (*domain.EnergyRate, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var (
		rate       domain.EnergyRate
		rateStr    string
		peakStr    string
		offPeakStr string
	)
	scanErr := db.QueryRow(ctx, activeRateSQL, at).Scan(
		&rate.Name, &rateStr, &rate.Currency, &rate.ValidFrom, &rate.ValidTo,
		&rate.IsTimeOfUse, &rate.PeakStart, &rate.PeakEnd, &peakStr, &offPeakStr,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("active rate: %w", scanErr)
	}

	var convErr error
	if rate.RatePerKWh, convErr = decimal.NewFromString(rateStr); convErr != nil {
		return nil, fmt.Errorf("parse rate per kwh: %w", convErr)
	}
	if rate.PeakRate, convErr = decimal.NewFromString(peakStr); convErr != nil {
		return nil, fmt.Errorf("parse peak rate: %w", convErr)
	}
	if rate.OffPeakRate, convErr = decimal.NewFromString(offPeakStr); convErr != nil {
		return nil, fmt.Errorf("parse off-peak rate: %w", convErr)
	}
	return &rate, nil
}

// GetSettings fetches notification preferences for an account.
func (s *Store) GetSettings(ctx context.Context, accountID string) (*domain.NotificationSetting, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var setting domain.NotificationSetting
	scanErr := db.QueryRow(ctx, getSettingsSQL, accountID).Scan(
		&setting.AccountID,
		&setting.WarningThresholdW,
		&setting.CriticalThresholdW,
		&setting.ReceiveSMS,
		&setting.ReceiveEmail,
		&setting.ReceivePush,
		&setting.PhoneNumber,
		&setting.Email,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get settings: %w", scanErr)
	}
	return &setting, nil
}

// SettingsByPhone resolves the account owning a phone number. Numbers are
// stored without the leading plus.
func (s *Store) SettingsByPhone(ctx context.Context, phone string) (*domain.NotificationSetting, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var setting domain.NotificationSetting
	scanErr := db.QueryRow(ctx, settingsByPhoneSQL, strings.TrimPrefix(phone, "+")).Scan(
		&setting.AccountID,
		&setting.WarningThresholdW,
		&setting.CriticalThresholdW,
		&setting.ReceiveSMS,
		&setting.ReceiveEmail,
		&setting.ReceivePush,
		&setting.PhoneNumber,
		&setting.Email,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("settings by phone: %w", scanErr)
	}
	return &setting, nil
}

// SaveSettings upserts notification preferences for an account.
func (s *Store) SaveSettings(ctx context.Context, setting domain.NotificationSetting) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, execErr := db.Exec(ctx, saveSettingsSQL,
		setting.AccountID,
		setting.WarningThresholdW,
		setting.CriticalThresholdW,
		setting.ReceiveSMS,
		setting.ReceiveEmail,
		setting.ReceivePush,
		setting.PhoneNumber,
		setting.Email,
	); execErr != nil {
		return fmt.Errorf("save settings: %w", execErr)
	}
	return nil
}

// InsertNotification persists a new notification, assigning an ID when unset.
func (s *Store) InsertNotification(ctx context.Context, notification *domain.Notification) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now().UTC()
	}

	if _, execErr := db.Exec(ctx, insertNotificationSQL,
		notification.ID,
		notification.Title,
		notification.Message,
		string(notification.Level),
		notification.AccountID,
		notification.DeviceID,
		notification.SendSMS,
		notification.SendEmail,
		notification.SendPush,
		notification.SMSSent,
		notification.EmailSent,
		notification.Timestamp,
	); execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// MarkDelivery records dispatch results on an existing notification.
func (s *Store) MarkDelivery(ctx context.Context, id string, smsSent, emailSent bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tag, execErr := db.Exec(ctx, markDeliverySQL, id, smsSent, emailSent)
	if execErr != nil {
		return fmt.Errorf("mark delivery: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LastWarningAt reports the most recent warning emission for a device.
func (s *Store) LastWarningAt(ctx context.Context, deviceID string) (time.Time, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return time.Time{}, false, err
	}

	var ts time.Time
	scanErr := db.QueryRow(ctx, lastWarningAtSQL, deviceID).Scan(&ts)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last warning at: %w", scanErr)
	}
	return ts, true, nil
}

// ListNotifications lists the most recent notifications for an account.
func (s *Store) ListNotifications(ctx context.Context, accountID string, limit int) ([]domain.Notification, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listNotificationsSQL, accountID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications: %w", queryErr)
	}
	defer rows.Close()

	notifications := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var (
			n     domain.Notification
			level string
		)
		if scanErr := rows.Scan(
			&n.ID, &n.Title, &n.Message, &level, &n.AccountID, &n.DeviceID,
			&n.SendSMS, &n.SendEmail, &n.SendPush, &n.SMSSent, &n.EmailSent, &n.Timestamp,
		); scanErr != nil {
			return nil, scanErr
		}
		n.Level = domain.AlertLevel(level)
		notifications = append(notifications, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return notifications, nil
}

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var (
		d      domain.Device
		status string
	)
	if err := row.Scan(
		&d.DeviceID, &d.AccountID, &d.Name, &d.DeviceType, &d.Location, &status,
		&d.PowerOn, &d.CurrentPowerW, &d.MaxPowerW, &d.FirmwareVersion, &d.LastUpdated,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeviceStatus(status)
	return &d, nil
}

var _ domain.Repository = (*Store)(nil)
