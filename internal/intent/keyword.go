package intent

import (
	"context"
	"strings"

	"shiftcast/internal/domain"
)

// keywordClassifier is the deterministic, dependency-free driver. It looks at
// word tokens only, so "no" inside "know" never counts as a decline.
type keywordClassifier struct {
	accept  map[string]struct{}
	decline map[string]struct{}
}

func NewKeyword() Classifier {
	return &keywordClassifier{
		accept:  tokenSet("yes", "yeah", "yep", "y", "ok", "okay", "sure", "accept", "take", "confirm", "in", "interested"),
		decline: tokenSet("no", "nope", "nah", "n", "decline", "pass", "cant", "cannot", "busy", "unavailable", "skip"),
	}
}

func (c *keywordClassifier) Classify(ctx context.Context, body string) (domain.Intent, error) {
	_ = ctx
	var hasAccept, hasDecline bool
	for _, tok := range tokenize(body) {
		if _, ok := c.accept[tok]; ok {
			hasAccept = true
		}
		if _, ok := c.decline[tok]; ok {
			hasDecline = true
		}
	}
	switch {
	case hasAccept && !hasDecline:
		return domain.IntentAccept, nil
	case hasDecline && !hasAccept:
		return domain.IntentDecline, nil
	default:
		return domain.IntentUnknown, nil
	}
}

// tokenize lowercases and splits on non-letters, folding "can't" -> "cant".
func tokenize(s string) []string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return r < 'a' || r > 'z'
	})
}

func tokenSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
