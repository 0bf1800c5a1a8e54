package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/meeting-pipeline/internal/domain"
)

var errNotJSON = errors.New("model output is not valid JSON")

// errEmptyReply makes a blank model answer count as a failed attempt.
var errEmptyReply = errors.New("model returned an empty reply")

// parseSummaryReply turns the model reply into a summary. Replies that do not
// contain a JSON object come back as a raw summary holding the verbatim text.
func parseSummaryReply(text string) domain.Summary {
	rawJSON, err := extractJSON(text)
	if err != nil {
		return domain.Summary{Raw: strings.TrimSpace(text)}
	}
	summary, err := decodeSummary(rawJSON)
	if err != nil {
		return domain.Summary{Raw: strings.TrimSpace(text)}
	}
	return summary
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = stripCodeFence(trimmed)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return []byte(candidate), nil
		}
	}

	return nil, errNotJSON
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// decodeSummary is lenient about list shapes: action items may come as plain
// strings and list entries may be numbers.
func decodeSummary(raw []byte) (domain.Summary, error) {
	var payload struct {
		MeetingSummary any               `json:"meeting_summary"`
		KeyPoints      []json.RawMessage `json:"key_points"`
		ActionItems    []json.RawMessage `json:"action_items"`
		Risks          []json.RawMessage `json:"risks"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Summary{}, fmt.Errorf("decode summary json: %w", err)
	}

	summary := domain.Summary{
		MeetingSummary: scalarText(payload.MeetingSummary),
		KeyPoints:      textList(payload.KeyPoints),
		Risks:          textList(payload.Risks),
	}
	for _, item := range payload.ActionItems {
		var structured struct {
			Owner any `json:"owner"`
			Task  any `json:"task"`
			Due   any `json:"due"`
		}
		if err := json.Unmarshal(item, &structured); err == nil {
			summary.ActionItems = append(summary.ActionItems, domain.ActionItem{
				Owner: scalarText(structured.Owner),
				Task:  scalarText(structured.Task),
				Due:   scalarText(structured.Due),
			})
			continue
		}
		var task string
		if err := json.Unmarshal(item, &task); err == nil {
			summary.ActionItems = append(summary.ActionItems, domain.ActionItem{Task: task})
		}
	}

	if summary.MeetingSummary == "" && len(summary.KeyPoints) == 0 &&
		len(summary.ActionItems) == 0 && len(summary.Risks) == 0 {
		return domain.Summary{}, errors.New("summary json has none of the expected fields")
	}
	return summary, nil
}

func textList(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var value any
		if err := json.Unmarshal(item, &value); err != nil {
			continue
		}
		if text := scalarText(value); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func scalarText(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64, bool:
		return fmt.Sprint(typed)
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if text := scalarText(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
