package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full coordinator configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "10m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Escalation EscalationConfig `json:"escalation"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Sweep      SweepConfig      `json:"sweep,omitempty"`
	Channels   ChannelsConfig   `json:"channels"`
	Classifier ClassifierConfig `json:"classifier"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Alerts     *AlertsConfig    `json:"alerts,omitempty"`

	// SampleDataPath points at a JSON seed file (caregivers + shifts) loaded
	// at startup. Empty disables seeding; a missing file is tolerated.
	SampleDataPath string `json:"sample_data_path,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// EscalationConfig controls the SMS -> call upgrade.
type EscalationConfig struct {
	// Delay before escalating to phone calls. Default "10m".
	Delay string `json:"delay,omitempty"`
}

// DispatchConfig controls outbound notification sends.
type DispatchConfig struct {
	// RatePerSec caps sends per second across all shifts. Default 10.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SendTimeout bounds one send. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

// SweepConfig controls the periodic fanout trigger for unclaimed shifts.
type SweepConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression ("*/1 * * * *", "@every 1m") or a plain
	// Go duration ("30s"). Default "@every 1m".
	Schedule string `json:"schedule,omitempty"`
}

type ChannelsConfig struct {
	// Driver: "log" (default, logs sends) or "webhook".
	Driver  string                `json:"driver,omitempty"`
	Webhook ChannelsWebhookConfig `json:"webhook,omitempty"`
}

type ChannelsWebhookConfig struct {
	SMSURL  string `json:"sms_url,omitempty"`
	CallURL string `json:"call_url,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	Timeout string `json:"timeout,omitempty"`
}

type ClassifierConfig struct {
	// Driver: "keyword" (default, deterministic) or "anthropic".
	Driver    string                    `json:"driver,omitempty"`
	Anthropic ClassifierAnthropicConfig `json:"anthropic,omitempty"`
}

type ClassifierAnthropicConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional audit/dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./shiftcast_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// DedupWindow is how long inbound message ids are remembered. Default "1h".
	DedupWindow string `json:"dedup_window,omitempty"`
}

// AlertsConfig controls the optional Telegram ops alerter.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // bot token (do not log)
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Validate checks cross-field consistency and duration syntax.
// It is installed as the manager's default validator for hot reloads.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := ParseDurationField("escalation.delay", c.Escalation.Delay); err != nil {
		return err
	}
	for path, raw := range map[string]string{
		"http.read_timeout":        c.HTTP.ReadTimeout,
		"http.write_timeout":       c.HTTP.WriteTimeout,
		"http.idle_timeout":        c.HTTP.IdleTimeout,
		"dispatch.send_timeout":    c.Dispatch.SendTimeout,
		"channels.webhook.timeout": c.Channels.Webhook.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Channels.Driver)) {
	case "", "log":
	case "webhook":
		if strings.TrimSpace(c.Channels.Webhook.SMSURL) == "" || strings.TrimSpace(c.Channels.Webhook.CallURL) == "" {
			return errors.New("channels.webhook: sms_url and call_url are required")
		}
	default:
		return fmt.Errorf("channels.driver: unknown driver %q", c.Channels.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(c.Classifier.Driver)) {
	case "", "keyword":
	case "anthropic":
		if strings.TrimSpace(c.Classifier.Anthropic.APIKey) == "" {
			return errors.New("classifier.anthropic: api_key is required")
		}
		if strings.TrimSpace(c.Classifier.Anthropic.Model) == "" {
			return errors.New("classifier.anthropic: model is required")
		}
	default:
		return fmt.Errorf("classifier.driver: unknown driver %q", c.Classifier.Driver)
	}
	if c.Alerts != nil && c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Token) == "" || c.Alerts.ChatID == 0 {
			return errors.New("alerts: token and chat_id are required when enabled")
		}
	}
	return nil
}

// EscalationDelay returns the parsed escalation delay with the 10 minute default.
func (c *Config) EscalationDelay() time.Duration {
	d, err := ParseDurationOrDefault("escalation.delay", c.Escalation.Delay, 10*time.Minute)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
