package vault

import (
	"fmt"
	"strings"
	"unicode"
)

// Field length bounds applied after sanitization.
const (
	maxNameLen  = 100
	maxFieldLen = 1000

	minAge = 0
	maxAge = 150
)

// strippedRunes are removed from free-text fields before storage. The set
// covers markup and injection-prone punctuation.
const strippedRunes = `<>"'%;()&+`

// sanitizePayload normalizes every free-text field.
func sanitizePayload(p Payload) Payload {
	p.Name = sanitizeField(p.Name, maxNameLen)
	p.Symptoms = sanitizeField(p.Symptoms, maxFieldLen)
	p.Notes = sanitizeField(p.Notes, maxFieldLen)
	return p
}

// sanitizeField strips control characters and injection-prone punctuation,
// collapses runs of whitespace, trims, and truncates to max runes.
func sanitizeField(s string, max int) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune(strippedRunes, r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	clean := strings.TrimSpace(b.String())
	runes := []rune(clean)
	if len(runes) > max {
		clean = strings.TrimSpace(string(runes[:max]))
	}
	return clean
}

// validatePayload enforces required fields and domain ranges on the
// already-sanitized payload.
func validatePayload(p Payload) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPayload)
	}
	if p.Symptoms == "" {
		return fmt.Errorf("%w: symptoms are required", ErrInvalidPayload)
	}
	if p.Age < minAge || p.Age > maxAge {
		return fmt.Errorf("%w: age %d out of range", ErrInvalidPayload, p.Age)
	}
	return nil
}
