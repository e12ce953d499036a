// Package intent classifies inbound free-text replies into
// accept/decline/unknown.
package intent

import (
	"context"
	"errors"
	"strings"
	"time"

	"shiftcast/internal/config"
	"shiftcast/internal/domain"
	logx "shiftcast/pkg/logx"
)

// Classifier maps a reply body to an intent. Implementations may suspend
// (network calls); callers treat classifier errors as unknown intent.
type Classifier interface {
	Classify(ctx context.Context, body string) (domain.Intent, error)
}

// Open initializes the configured classifier driver.
func Open(cfg config.ClassifierConfig, log logx.Logger) (Classifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "keyword":
		return NewKeyword(), nil
	case "anthropic":
		timeout, err := config.ParseDurationOrDefault("classifier.anthropic.timeout", cfg.Anthropic.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		return newAnthropic(cfg.Anthropic, timeout, log)
	default:
		return nil, errors.New("unknown classifier driver: " + driver)
	}
}
