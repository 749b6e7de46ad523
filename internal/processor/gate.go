package processor

import "strings"

// NeedsReview decides whether completed work must pass human review before
// the item is closed. The decision is a case-insensitive substring match of
// the configured trigger phrases against the item's title and description;
// with no triggers configured nothing ever gates.
func NeedsReview(text string, triggers []string) bool {
	if text == "" || len(triggers) == 0 {
		return false
	}
	lowered := strings.ToLower(text)
	for _, trigger := range triggers {
		t := strings.ToLower(strings.TrimSpace(trigger))
		if t == "" {
			continue
		}
		if strings.Contains(lowered, t) {
			return true
		}
	}
	return false
}
