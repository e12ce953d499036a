package intent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"shiftcast/internal/config"
	"shiftcast/internal/domain"
	logx "shiftcast/pkg/logx"
)

const classifySystemPrompt = "You classify caregiver replies to shift offers. " +
	"Answer with exactly one word: ACCEPT if the caregiver wants the shift, " +
	"DECLINE if they do not, UNKNOWN if you cannot tell."

// anthropicClassifier asks an LLM for the intent. Used when keyword matching
// is too coarse for the message traffic.
type anthropicClassifier struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	log       logx.Logger
}

func newAnthropic(cfg config.ClassifierAnthropicConfig, timeout time.Duration, log logx.Logger) (*anthropicClassifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic classifier: api_key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("anthropic classifier: model is required")
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 16
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &anthropicClassifier{
		client:    &client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeout:   timeout,
		log:       log,
	}, nil
}

func (c *anthropicClassifier) Classify(ctx context.Context, body string) (domain.Intent, error) {
	if strings.TrimSpace(body) == "" {
		return domain.IntentUnknown, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Messages.New(cctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: classifySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(body)),
		},
	})
	if err != nil {
		return domain.IntentUnknown, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return parseIntentWord(text), nil
}

func parseIntentWord(s string) domain.Intent {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return domain.IntentAccept
	case "DECLINE":
		return domain.IntentDecline
	default:
		return domain.IntentUnknown
	}
}
