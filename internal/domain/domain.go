// Package domain provides core domain models and interfaces for the smart-farm power engine.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DeviceStatus is the reported health of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
)

// AlertLevel classifies a notification.
type AlertLevel string

const (
	LevelInfo    AlertLevel = "info"
	LevelWarning AlertLevel = "warning"
	LevelAlert   AlertLevel = "alert"
)

// SummaryType identifies the aggregation period of a PowerSummary.
type SummaryType string

const (
	SummaryDaily   SummaryType = "daily"
	SummaryWeekly  SummaryType = "weekly"
	SummaryMonthly SummaryType = "monthly"
)

// Device is the authoritative state record for one power-consuming device.
// There is at most one record per DeviceID; only the ingestor mutates it.
type Device struct {
	DeviceID        string       `json:"device_id"`
	AccountID       string       `json:"account_id"`
	Name            string       `json:"name"`
	DeviceType      string       `json:"device_type,omitempty"`
	Location        string       `json:"location,omitempty"`
	Status          DeviceStatus `json:"status"`
	PowerOn         bool         `json:"power_state"`
	CurrentPowerW   float64      `json:"current_power"`
	MaxPowerW       float64      `json:"max_power,omitempty"`
	FirmwareVersion string       `json:"firmware_version,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
}

// Reading is one immutable telemetry sample. Timestamps are not guaranteed
// monotonic across arrivals; consumers that integrate must sort first.
type Reading struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	PowerW      float64   `json:"power"`
	Voltage     float64   `json:"voltage,omitempty"`
	CurrentA    float64   `json:"current,omitempty"`
	PowerFactor float64   `json:"power_factor,omitempty"`
	EnergyKWh   float64   `json:"energy,omitempty"`
}

// PowerSummary aggregates one device (or the whole farm when DeviceID is nil)
// over one period. Exactly one row exists per (device, type, date) key.
type PowerSummary struct {
	DeviceID       *string         `json:"device_id"`
	SummaryType    SummaryType     `json:"summary_type"`
	Date           time.Time       `json:"date"`
	TotalEnergyKWh float64         `json:"total_energy"`
	PeakPowerW     float64         `json:"peak_power"`
	AveragePowerW  float64         `json:"average_power"`
	CostEstimate   decimal.Decimal `json:"cost_estimate"`
}

// EnergyRate is a versioned tariff. ValidTo == nil means currently active.
type EnergyRate struct {
	Name        string          `json:"name"`
	RatePerKWh  decimal.Decimal `json:"rate_per_kwh"`
	Currency    string          `json:"currency"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	IsTimeOfUse bool            `json:"is_time_of_use"`
	PeakStart   int             `json:"peak_start_hour,omitempty"`
	PeakEnd     int             `json:"peak_end_hour,omitempty"`
	PeakRate    decimal.Decimal `json:"peak_rate,omitempty"`
	OffPeakRate decimal.Decimal `json:"off_peak_rate,omitempty"`
}

// RateFor returns the per-kWh rate applicable at the given instant, honoring
// the time-of-use window [PeakStart, PeakEnd) when configured.
func (r *EnergyRate) RateFor(t time.Time) decimal.Decimal {
	if !r.IsTimeOfUse {
		return r.RatePerKWh
	}
	hour := t.Hour()
	if hour >= r.PeakStart && hour < r.PeakEnd {
		return r.PeakRate
	}
	return r.OffPeakRate
}

// Notification is an emitted alert fact. Delivery-result flags are the only
// fields mutated after creation.
type Notification struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Level     AlertLevel `json:"notification_type"`
	AccountID string     `json:"account_id"`
	DeviceID  *string    `json:"device_id,omitempty"`
	SendSMS   bool       `json:"send_sms"`
	SendEmail bool       `json:"send_email"`
	SendPush  bool       `json:"send_push"`
	SMSSent   bool       `json:"sms_sent"`
	EmailSent bool       `json:"email_sent"`
	Timestamp time.Time  `json:"timestamp"`
}

// NotificationSetting holds per-account alerting preferences.
type NotificationSetting struct {
	AccountID          string  `json:"account_id"`
	WarningThresholdW  float64 `json:"power_threshold_warning"`
	CriticalThresholdW float64 `json:"power_threshold_critical"`
	ReceiveSMS         bool    `json:"receive_sms"`
	ReceiveEmail       bool    `json:"receive_email"`
	ReceivePush        bool    `json:"receive_push"`
	PhoneNumber        string  `json:"phone_number,omitempty"`
	Email              string  `json:"email_address,omitempty"`
}

// DeviceStore provides access to device state records.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	UpdateDeviceState(ctx context.Context, device *Device) error
}

// ReadingStore appends and queries the telemetry time series.
type ReadingStore interface {
	AppendReading(ctx context.Context, reading Reading) error

	// ReadingsBetween returns readings in [from, to) ordered by timestamp.
	ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error)
}

// SummaryStore persists rollup results.
type SummaryStore interface {
	// UpsertSummary replaces any existing row for the same
	// (device, summary type, date) key.
	UpsertSummary(ctx context.Context, summary PowerSummary) error
	SummariesBetween(ctx context.Context, summaryType SummaryType, from, to time.Time) ([]PowerSummary, error)
}

// RateStore resolves tariffs.
type RateStore interface {
	// ActiveRate returns the rate whose validity range contains the instant,
	// or ErrNotFound when none applies.
	ActiveRate(ctx context.Context, at time.Time) (*EnergyRate, error)
}

// SettingStore provides per-account notification preferences.
type SettingStore interface {
	GetSettings(ctx context.Context, accountID string) (*NotificationSetting, error)

	// SettingsByPhone resolves the account owning a phone number, or
	// ErrNotFound when the number is not registered.
	SettingsByPhone(ctx context.Context, phone string) (*NotificationSetting, error)
	SaveSettings(ctx context.Context, setting NotificationSetting) error
}

// NotificationStore persists emitted notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, notification *Notification) error
	MarkDelivery(ctx context.Context, id string, smsSent, emailSent bool) error

	// LastWarningAt reports the timestamp of the most recent warning-level
	// notification for the device, if any.
	LastWarningAt(ctx context.Context, deviceID string) (time.Time, bool, error)
	ListNotifications(ctx context.Context, accountID string, limit int) ([]Notification, error)
}

// Repository aggregates all persistence boundaries consumed by the engine.
type Repository interface {
	DeviceStore
	ReadingStore
	SummaryStore
	RateStore
	SettingStore
	NotificationStore
}

// MessagePublisher defines the interface for publishing outbound messages.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// ControlPublisher sends control commands to device firmware.
type ControlPublisher interface {
	SendDeviceControl(ctx context.Context, deviceID, command string, value interface{}) error
}

// Notifier is the dispatch boundary through which alerts leave the system.
// Transmission is delegated; this core only formats message text.
type Notifier interface {
	SendSMS(ctx context.Context, recipient, message string) error
	SendEmail(ctx context.Context, recipient, subject, message string) error
	SendPush(ctx context.Context, accountID, title, message string) error
}
