// Package session provides the keyed session store for interactive (USSD)
// menu flows. Sessions live in redis with an explicit TTL rather than an
// unbounded in-process map, so restarts and horizontal scaling are safe.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "smart-farm:ussd:"

// ErrSessionNotFound indicates no live session for the given ID.
var ErrSessionNotFound = errors.New("session not found")

// MenuState names a position in the USSD menu tree.
type MenuState string

const (
	StateWelcome       MenuState = "welcome"
	StateMainMenu      MenuState = "main_menu"
	StatePowerSummary  MenuState = "power_summary"
	StateDeviceList    MenuState = "device_list"
	StateDeviceControl MenuState = "device_control"
	StatePowerAlert    MenuState = "power_alert"
)

// MenuSession is the per-conversation state for one USSD interaction. The ID
// is the gateway-assigned session identifier. Devices holds the device IDs in
// the order they were last listed, so numeric selections stay stable.
type MenuSession struct {
	ID             string    `json:"id"`
	State          MenuState `json:"state"`
	Phone          string    `json:"phone"`
	AccountID      string    `json:"account_id,omitempty"`
	SelectedDevice string    `json:"selected_device,omitempty"`
	Devices        []string  `json:"devices,omitempty"`
}

// Manager stores menu sessions in redis with a fixed TTL.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a session manager over an existing redis client.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		client: client,
		ttl:    ttl,
		logger: log.With().Str("component", "session").Logger(),
	}
}

// Get fetches a live session by ID.
func (m *Manager) Get(ctx context.Context, sessionID string) (*MenuSession, error) {
	data, err := m.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session MenuSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// Put stores a session and refreshes its TTL.
func (m *Manager) Put(ctx context.Context, session *MenuSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := m.client.Set(ctx, keyPrefix+session.ID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Clear removes a session. Clearing a missing session is not an error.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
