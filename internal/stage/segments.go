package stage

import (
	"sort"
	"strings"

	"github.com/iago/meeting-pipeline/internal/domain"
)

// normalizeSegments orders segments by start time, clamps overlaps so that
// every segment starts at or after the previous end, and renumbers ids from 0.
// Nothing is dropped. The second return value reports whether anything changed.
func normalizeSegments(segments []domain.Segment) ([]domain.Segment, bool) {
	out := make([]domain.Segment, len(segments))
	copy(out, segments)
	corrected := false

	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].Start < out[j].Start }) {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
		corrected = true
	}

	for i := range out {
		if out[i].ID != i {
			out[i].ID = i
			corrected = true
		}
		if out[i].Start < 0 {
			out[i].Start = 0
			corrected = true
		}
		if i > 0 && out[i].Start < out[i-1].End {
			out[i].Start = out[i-1].End
			corrected = true
		}
		if out[i].End < out[i].Start {
			out[i].End = out[i].Start
			corrected = true
		}
	}
	return out, corrected
}

func joinSegmentText(segments []domain.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
