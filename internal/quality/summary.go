package quality

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/iago/meeting-pipeline/internal/domain"
)

const (
	maxSummaryLen    = 4000
	maxItemLen       = 400
	maxKeyPoints     = 20
	maxActionItems   = 30
	maxRisks         = 20
	lowSummaryLength = 40
)

// SummaryReport describes what NormalizeSummary had to fix. Score is
// informational and never causes the summary to be rejected.
type SummaryReport struct {
	Score     float64
	Corrected bool
}

// NormalizeSummary trims whitespace, drops empty and duplicate items and caps
// list lengths. Raw summaries are returned untouched.
func NormalizeSummary(summary domain.Summary, language string) (domain.Summary, SummaryReport) {
	if summary.IsRaw() {
		return summary, SummaryReport{Score: 0}
	}

	corrected := false
	penalty := 0.0

	text := normalizeText(summary.MeetingSummary)
	if text != summary.MeetingSummary {
		corrected = true
	}
	if len(text) > maxSummaryLen {
		text = truncateAtWord(text, maxSummaryLen)
		corrected = true
		penalty += 0.06
	}
	switch {
	case text == "":
		penalty += 0.30
	case len(text) < lowSummaryLength:
		penalty += 0.15
	}
	if languageMismatch(text, language) {
		penalty += 0.07
	}

	keyPoints, fixed := normalizeList(summary.KeyPoints, maxKeyPoints)
	corrected = corrected || fixed
	if len(keyPoints) == 0 {
		penalty += 0.10
	}

	risks, fixed := normalizeList(summary.Risks, maxRisks)
	corrected = corrected || fixed

	actionItems := make([]domain.ActionItem, 0, len(summary.ActionItems))
	seen := make(map[string]struct{}, len(summary.ActionItems))
	for _, item := range summary.ActionItems {
		task := truncateAtWord(normalizeText(item.Task), maxItemLen)
		if task == "" {
			corrected = true
			continue
		}
		key := strings.ToLower(task)
		if _, exists := seen[key]; exists {
			corrected = true
			continue
		}
		seen[key] = struct{}{}
		normalized := domain.ActionItem{
			Owner: normalizeText(item.Owner),
			Task:  task,
			Due:   normalizeText(item.Due),
		}
		if normalized != item {
			corrected = true
		}
		actionItems = append(actionItems, normalized)
		if len(actionItems) >= maxActionItems {
			corrected = corrected || len(summary.ActionItems) > maxActionItems
			break
		}
	}

	return domain.Summary{
			MeetingSummary: text,
			KeyPoints:      keyPoints,
			ActionItems:    actionItems,
			Risks:          risks,
		}, SummaryReport{
			Score:     round2(clamp01(1.0 - penalty)),
			Corrected: corrected,
		}
}

func normalizeList(items []string, limit int) ([]string, bool) {
	output := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	corrected := false
	for _, item := range items {
		normalized := truncateAtWord(normalizeText(item), maxItemLen)
		if normalized != item {
			corrected = true
		}
		if normalized == "" {
			continue
		}
		key := strings.ToLower(normalized)
		if _, exists := seen[key]; exists {
			corrected = true
			continue
		}
		seen[key] = struct{}{}
		output = append(output, normalized)
		if len(output) >= limit {
			corrected = corrected || len(items) > limit
			break
		}
	}
	return output, corrected
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.Join(strings.Fields(trimmed), " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	lastSpace := strings.LastIndex(cut, " ")
	if lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

// languageMismatch flags text written mostly in another script than the job
// language, e.g. an English summary for a Russian meeting.
func languageMismatch(value, language string) bool {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" || value == "" {
		return false
	}
	cyrillic, latin := 0, 0
	for _, r := range value {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case strings.HasPrefix(language, "ru"), strings.HasPrefix(language, "uk"):
		return latin > 2*cyrillic+10
	case strings.HasPrefix(language, "en"):
		return cyrillic > 2*latin+10
	default:
		return false
	}
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
