package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shiftcast/internal/config"
	logx "shiftcast/pkg/logx"
)

// webhookChannel posts sends as JSON to a messaging provider's HTTP API.
// One URL per channel kind; a bearer token authenticates both.
type webhookChannel struct {
	smsURL  string
	callURL string
	token   string
	http    *http.Client
	log     logx.Logger
}

type webhookPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func newWebhookChannel(cfg config.ChannelsWebhookConfig, timeout time.Duration, log logx.Logger) (*webhookChannel, error) {
	if strings.TrimSpace(cfg.SMSURL) == "" || strings.TrimSpace(cfg.CallURL) == "" {
		return nil, errors.New("webhook channel: sms_url and call_url are required")
	}
	return &webhookChannel{
		smsURL:  cfg.SMSURL,
		callURL: cfg.CallURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

func (c *webhookChannel) SendSMS(ctx context.Context, phone, message string) error {
	return c.post(ctx, c.smsURL, phone, message)
}

func (c *webhookChannel) PlaceCall(ctx context.Context, phone, message string) error {
	return c.post(ctx, c.callURL, phone, message)
}

func (c *webhookChannel) post(ctx context.Context, url, phone, message string) error {
	body, err := json.Marshal(webhookPayload{To: phone, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	return nil
}
