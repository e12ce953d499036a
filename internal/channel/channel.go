// Package channel holds the outbound notification channel drivers.
//
// Delivery guarantees (receipts, provider-side retries) belong to the
// provider behind the driver, not to the coordinator.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"shiftcast/internal/config"
	logx "shiftcast/pkg/logx"
)

// Channel sends one message to one phone number. Each call is independent
// and may fail; callers isolate failures per recipient.
type Channel interface {
	SendSMS(ctx context.Context, phone, message string) error
	PlaceCall(ctx context.Context, phone, message string) error
}

// Open initializes the configured channel driver.
func Open(cfg config.ChannelsConfig, log logx.Logger) (Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "log":
		return &logChannel{log: log}, nil
	case "webhook":
		timeout, err := config.ParseDurationOrDefault("channels.webhook.timeout", cfg.Webhook.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return newWebhookChannel(cfg.Webhook, timeout, log)
	default:
		return nil, errors.New("unknown channel driver: " + driver)
	}
}

// logChannel is the development driver: sends are logged, never delivered.
type logChannel struct {
	log logx.Logger
}

func (c *logChannel) SendSMS(ctx context.Context, phone, message string) error {
	_ = ctx
	c.log.Info("sms (log driver)", logx.String("to", phone), logx.String("message", message))
	return nil
}

func (c *logChannel) PlaceCall(ctx context.Context, phone, message string) error {
	_ = ctx
	c.log.Info("call (log driver)", logx.String("to", phone), logx.String("message", message))
	return nil
}
