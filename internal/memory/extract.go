package memory

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/policy"
)

const maxSummaryRunes = 500

var (
	sentenceSplit   = regexp.MustCompile(`[.!?\n]+`)
	profileKeywords = []string{"prefer", "rather", "usually", "call me", "morning", "afternoon", "evening", "text me", "by email"}
	wordPattern     = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// extract derives memories from one exchange: a summary of what the caller
// said and a profile entry per stated preference. Content is PII-redacted.
func extract(scope string, turns []Turn, now time.Time) []Memory {
	var said []string
	var out []Memory
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" || t.Role != "user" {
			continue
		}
		redacted, _ := policy.RedactPII(content)
		said = append(said, redacted)
		for _, sentence := range sentenceSplit.Split(redacted, -1) {
			sentence = strings.TrimSpace(sentence)
			if sentence != "" && containsAny(strings.ToLower(sentence), profileKeywords) {
				out = append(out, Memory{
					ID:        uuid.NewString(),
					Scope:     scope,
					Kind:      KindProfile,
					Content:   sentence,
					CreatedAt: now,
				})
			}
		}
	}
	if len(said) == 0 {
		return nil
	}
	summary := "Caller said: " + strings.Join(said, " / ")
	if utf8.RuneCountInString(summary) > maxSummaryRunes {
		summary = string([]rune(summary)[:maxSummaryRunes]) + "…"
	}
	return append([]Memory{{
		ID:        uuid.NewString(),
		Scope:     scope,
		Kind:      KindSummary,
		Content:   summary,
		CreatedAt: now,
	}}, out...)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

// overlapScore is the share of query tokens found in content.
func overlapScore(query, content string) float64 {
	q := tokens(query)
	if len(q) == 0 {
		return 0
	}
	c := tokens(content)
	hits := 0
	for w := range q {
		if _, ok := c[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}
