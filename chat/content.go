package chat

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shelfmates/server/apperr"
)

// maxCleanPasses bounds how many layers of entity encoding are peeled.
const maxCleanPasses = 4

// Sanitizer strips markup from message bodies and enforces the length cap.
type Sanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewSanitizer returns a Sanitizer allowing at most maxLen runes.
// A non-positive maxLen disables the cap.
func NewSanitizer(maxLen int) *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

// Clean returns the plain-text content, or a validation error when nothing
// is left or the text is too long.
func (s *Sanitizer) Clean(raw string) (string, error) {
	text, ok := s.plain(raw)
	if !ok {
		return "", apperr.Validation("content contains markup")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("content is required")
	}
	if s.maxLen > 0 && utf8.RuneCountInString(text) > s.maxLen {
		return "", apperr.Validation(fmt.Sprintf("content exceeds %d characters", s.maxLen))
	}
	return text, nil
}

// plain strips markup and decodes entities until the text no longer changes,
// so markup hidden behind entities is stripped as well. It reports false when
// the text is still changing after maxCleanPasses.
func (s *Sanitizer) plain(raw string) (string, bool) {
	text := raw
	for range maxCleanPasses {
		next := html.UnescapeString(s.policy.Sanitize(text))
		if next == text {
			return text, true
		}
		text = next
	}
	return text, false
}
