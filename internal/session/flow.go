package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

// Gateway response prefixes: CON continues the session, END terminates it.
const (
	respContinue = "CON "
	respEnd      = "END "
)

const mainMenuText = "Main Menu:\n1. View power summary\n2. Control devices\n3. Exit"

// Flow drives the USSD menu tree. Device state is never mutated here; power
// toggles go out as control commands and take effect when the device reports
// back.
type Flow struct {
	sessions *Manager
	repo     domain.Repository
	control  domain.ControlPublisher
	logger   zerolog.Logger

	now func() time.Time
}

// NewFlow creates a menu flow over the session store and repository.
func NewFlow(sessions *Manager, repo domain.Repository, control domain.ControlPublisher) *Flow {
	return &Flow{
		sessions: sessions,
		repo:     repo,
		control:  control,
		logger:   log.With().Str("component", "ussd").Logger(),
		now:      time.Now,
	}
}

// Handle processes one gateway callback and returns the menu response text.
// The text parameter is the cumulative input string; only the segment after
// the last star matters.
func (f *Flow) Handle(ctx context.Context, sessionID, phone, text string) (string, error) {
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return "", err
		}
		sess = &MenuSession{ID: sessionID, State: StateWelcome, Phone: phone}
	}

	response, err := f.dispatch(ctx, sess, lastInput(text))
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(response, respEnd) {
		if err := f.sessions.Clear(ctx, sessionID); err != nil {
			f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to clear session")
		}
		return response, nil
	}

	if err := f.sessions.Put(ctx, sess); err != nil {
		return "", err
	}
	return response, nil
}

func (f *Flow) dispatch(ctx context.Context, sess *MenuSession, input string) (string, error) {
	if sess.State == StateWelcome || sess.AccountID == "" {
		return f.welcome(ctx, sess)
	}

	switch sess.State {
	case StateMainMenu:
		return f.mainMenu(ctx, sess, input)
	case StateDeviceList:
		return f.deviceList(ctx, sess, input)
	case StateDeviceControl:
		return f.deviceControl(ctx, sess, input)
	case StatePowerSummary:
		sess.State = StateMainMenu
		return respContinue + mainMenuText, nil
	default:
		sess.State = StateMainMenu
		return respContinue + "An error occurred. Returning to main menu.\n" + mainMenuText, nil
	}
}

// welcome resolves the caller's account by phone number and shows the main
// menu. Unregistered numbers end the session immediately.
func (f *Flow) welcome(ctx context.Context, sess *MenuSession) (string, error) {
	setting, err := f.repo.SettingsByPhone(ctx, sess.Phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return respEnd + "Sorry, your phone number is not registered in our system.", nil
		}
		return "", err
	}

	sess.AccountID = setting.AccountID
	sess.State = StateMainMenu
	return respContinue + "Welcome to Smart Farm Power Control\n1. View power summary\n2. Control devices\n3. Exit", nil
}

func (f *Flow) mainMenu(ctx context.Context, sess *MenuSession, input string) (string, error) {
	switch input {
	case "1":
		return f.powerSummary(ctx, sess)
	case "2":
		return f.listDevices(ctx, sess)
	case "3":
		return respEnd + "Thank you for using Smart Farm Power Control. Goodbye!", nil
	default:
		return respContinue + "Invalid selection. Please try again:\n1. View power summary\n2. Control devices\n3. Exit", nil
	}
}

// powerSummary shows the farm-wide daily summary for today.
func (f *Flow) powerSummary(ctx context.Context, sess *MenuSession) (string, error) {
	today := f.now().UTC().Truncate(24 * time.Hour)
	summaries, err := f.repo.SummariesBetween(ctx, domain.SummaryDaily, today, today.AddDate(0, 0, 1))
	if err != nil {
		return "", err
	}

	var farm *domain.PowerSummary
	for i := range summaries {
		if summaries[i].DeviceID == nil {
			farm = &summaries[i]
			break
		}
	}
	if farm == nil {
		return respEnd + "No power data available for today. Please check again later.", nil
	}

	sess.State = StatePowerSummary
	return fmt.Sprintf("%sToday's Power Summary:\nTotal Usage: %.2f kWh\nPeak Power: %.2f W\nEst. Cost: %s\n\n0. Back to main menu",
		respContinue, farm.TotalEnergyKWh, farm.PeakPowerW, farm.CostEstimate.StringFixed(2)), nil
}

func (f *Flow) listDevices(ctx context.Context, sess *MenuSession) (string, error) {
	devices, err := f.accountDevices(ctx, sess.AccountID)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return respEnd + "You don't have any devices registered yet.", nil
	}

	var b strings.Builder
	b.WriteString(respContinue + "Select a device to control:\n")
	sess.Devices = sess.Devices[:0]
	for i, device := range devices {
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, device.Name, onOff(device.PowerOn))
		sess.Devices = append(sess.Devices, device.DeviceID)
	}
	b.WriteString("0. Back to main menu")

	sess.State = StateDeviceList
	return b.String(), nil
}

func (f *Flow) deviceList(ctx context.Context, sess *MenuSession, input string) (string, error) {
	if input == "0" {
		sess.State = StateMainMenu
		return respContinue + mainMenuText, nil
	}

	selection, err := strconv.Atoi(input)
	if err != nil || selection < 1 || selection > len(sess.Devices) {
		return respContinue + "Invalid selection. Please select a valid device number or 0 to go back.", nil
	}

	device, err := f.repo.GetDevice(ctx, sess.Devices[selection-1])
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return respEnd + "Device not found. Please try again later.", nil
		}
		return "", err
	}

	sess.SelectedDevice = device.DeviceID
	sess.State = StateDeviceControl
	return controlMenu(device), nil
}

func (f *Flow) deviceControl(ctx context.Context, sess *MenuSession, input string) (string, error) {
	device, err := f.repo.GetDevice(ctx, sess.SelectedDevice)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			sess.State = StateDeviceList
			sess.SelectedDevice = ""
			return f.listDevices(ctx, sess)
		}
		return "", err
	}

	switch input {
	case "0":
		sess.SelectedDevice = ""
		return f.listDevices(ctx, sess)
	case "1":
		target := onOff(!device.PowerOn)
		if err := f.control.SendDeviceControl(ctx, device.DeviceID, "power", strings.ToLower(target)); err != nil {
			return respEnd + "Could not reach the device. Please try again later.", nil
		}
		return fmt.Sprintf("%sDevice '%s' has been turned %s.", respEnd, device.Name, target), nil
	case "2":
		return fmt.Sprintf("%sDevice Details: %s\nType: %s\nLocation: %s\nStatus: %s\nPower State: %s\nCurrent Power: %.2f W\nMax Power: %.2f W\nLast Updated: %s",
			respEnd, device.Name, device.DeviceType, device.Location, device.Status,
			onOff(device.PowerOn), device.CurrentPowerW, device.MaxPowerW,
			device.LastUpdated.Format("2006-01-02 15:04")), nil
	default:
		return controlMenu(device), nil
	}
}

// accountDevices filters the registry down to one account's devices.
func (f *Flow) accountDevices(ctx context.Context, accountID string) ([]domain.Device, error) {
	all, err := f.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]domain.Device, 0, len(all))
	for _, d := range all {
		if d.AccountID == accountID {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func controlMenu(device *domain.Device) string {
	return fmt.Sprintf("%sDevice: %s\nStatus: %s\nCurrent Power: %.2f W\n\n1. Turn %s\n2. View device details\n0. Back to device list",
		respContinue, device.Name, onOff(device.PowerOn), device.CurrentPowerW, onOff(!device.PowerOn))
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func lastInput(text string) string {
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "*")
	return parts[len(parts)-1]
}
