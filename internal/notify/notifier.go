// Package notify implements the dispatch boundary. The engine formats alert
// text; transmission is delegated to an external gateway.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

// NoopNotifier discards all deliveries. Used when no gateway is configured.
type NoopNotifier struct{}

// NewNoopNotifier creates a no-operation notifier.
func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

// SendSMS is a no-op for the NoopNotifier.
func (n *NoopNotifier) SendSMS(_ context.Context, _, _ string) error { return nil }

// SendEmail is a no-op for the NoopNotifier.
func (n *NoopNotifier) SendEmail(_ context.Context, _, _, _ string) error { return nil }

// SendPush is a no-op for the NoopNotifier.
func (n *NoopNotifier) SendPush(_ context.Context, _, _, _ string) error { return nil }

// SMSGateway delivers SMS through an Africa's Talking-style messaging API.
// Email and push are not carried by this gateway and are reported as
// dispatch failures so callers record them as undelivered.
type SMSGateway struct {
	client   *resty.Client
	username string
	sender   string
	logger   zerolog.Logger
}

// smsResponse is the subset of the gateway response we inspect.
type smsResponse struct {
	SMSMessageData struct {
		Recipients []struct {
			Number string `json:"number"`
			Status string `json:"status"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// NewSMSGateway creates a gateway client from configuration.
func NewSMSGateway(cfg *config.Config) *SMSGateway {
	client := resty.New().
		SetBaseURL(cfg.SMS.BaseURL).
		SetTimeout(cfg.SMS.Timeout).
		SetHeader("apiKey", cfg.SMS.APIKey).
		SetHeader("Accept", "application/json")

	return &SMSGateway{
		client:   client,
		username: cfg.SMS.Username,
		sender:   cfg.SMS.Sender,
		logger:   log.With().Str("component", "sms").Logger(),
	}
}

// SendSMS delivers one message to one recipient. Numbers are normalized to
// the +<country code> form the gateway requires.
func (g *SMSGateway) SendSMS(ctx context.Context, recipient, message string) error {
	if !strings.HasPrefix(recipient, "+") {
		recipient = "+" + recipient
	}

	var result smsResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": g.username,
			"to":       recipient,
			"from":     g.sender,
			"message":  message,
		}).
		SetResult(&result).
		Post("/version1/messaging")
	if err != nil {
		return &domain.DispatchError{Channel: "sms", Err: err}
	}
	if resp.IsError() {
		return &domain.DispatchError{
			Channel: "sms",
			Err:     fmt.Errorf("gateway returned status %d", resp.StatusCode()),
		}
	}

	for _, r := range result.SMSMessageData.Recipients {
		if !strings.HasPrefix(r.Status, "Success") {
			return &domain.DispatchError{
				Channel: "sms",
				Err:     fmt.Errorf("recipient %s rejected: %s", r.Number, r.Status),
			}
		}
	}

	g.logger.Info().Str("recipient", recipient).Msg("SMS dispatched")
	return nil
}

// SendEmail is not supported by the SMS gateway.
func (g *SMSGateway) SendEmail(_ context.Context, _, _, _ string) error {
	return &domain.DispatchError{Channel: "email", Err: fmt.Errorf("no email provider configured")}
}

// SendPush is not supported by the SMS gateway.
func (g *SMSGateway) SendPush(_ context.Context, _, _, _ string) error {
	return &domain.DispatchError{Channel: "push", Err: fmt.Errorf("no push provider configured")}
}

var (
	_ domain.Notifier = (*NoopNotifier)(nil)
	_ domain.Notifier = (*SMSGateway)(nil)
)
