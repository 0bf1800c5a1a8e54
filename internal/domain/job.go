package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// StageKind names a pipeline stage. It doubles as the queue message kind.
type StageKind string

const (
	StageASR       StageKind = "asr"
	StageSummarize StageKind = "summarize"
)

func (k StageKind) Valid() bool {
	return k == StageASR || k == StageSummarize
}

// ArtifactKind identifies a stage output persisted in the job directory.
type ArtifactKind string

const (
	ArtifactTranscript   ArtifactKind = "transcript"
	ArtifactSummary      ArtifactKind = "summary"
	ArtifactSummaryError ArtifactKind = "summary_error"
)

// Metadata keys written by the pipeline. Stages only ever add keys.
const (
	MetaJobID                   = "job_id"
	MetaFilename                = "filename"
	MetaLanguage                = "language"
	MetaCreatedAt               = "created_at"
	MetaSizeBytes               = "size_bytes"
	MetaHandoff                 = "handoff"
	MetaHandoffError            = "handoff_error"
	MetaHandoffFailedAt         = "handoff_failed_at"
	MetaTranscriptionStatus     = "transcription_status"
	MetaTranscriptionError      = "transcription_error"
	MetaTranscriptionStartedAt  = "transcription_started_at"
	MetaTranscriptionFinishedAt = "transcription_finished_at"
	MetaSummaryHandoffError     = "summary_handoff_error"
	MetaSummaryStatus           = "summary_status"
	MetaSummaryError            = "summary_error"
	MetaSummaryModel            = "summary_model"
)

const (
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusError      = "error"
)

// Segment is one timed piece of a transcript. Offsets are in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the ASR stage artifact. A non-empty Error marks a captured failure,
// in which case Text and Segments are empty.
type Transcript struct {
	Language string    `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Error    string    `json:"error,omitempty"`
}

func (t Transcript) Failed() bool {
	return strings.TrimSpace(t.Error) != ""
}

type ActionItem struct {
	Owner string `json:"owner"`
	Task  string `json:"task"`
	Due   string `json:"due"`
}

// Summary is the summarizer artifact. Either the structured fields are set or
// only Raw is, when the engine reply could not be parsed.
type Summary struct {
	MeetingSummary string       `json:"meeting_summary,omitempty"`
	KeyPoints      []string     `json:"key_points,omitempty"`
	ActionItems    []ActionItem `json:"action_items,omitempty"`
	Risks          []string     `json:"risks,omitempty"`
	Raw            string       `json:"raw,omitempty"`
}

func (s Summary) IsRaw() bool {
	return s.Raw != "" && s.MeetingSummary == "" && len(s.KeyPoints) == 0 &&
		len(s.ActionItems) == 0 && len(s.Risks) == 0
}

// MarshalJSON writes either the raw fallback record or the full structured record,
// never a mix of both.
func (s Summary) MarshalJSON() ([]byte, error) {
	if s.IsRaw() {
		return json.Marshal(struct {
			Raw string `json:"raw"`
		}{Raw: s.Raw})
	}
	type structured struct {
		MeetingSummary string       `json:"meeting_summary"`
		KeyPoints      []string     `json:"key_points"`
		ActionItems    []ActionItem `json:"action_items"`
		Risks          []string     `json:"risks"`
	}
	out := structured{
		MeetingSummary: s.MeetingSummary,
		KeyPoints:      s.KeyPoints,
		ActionItems:    s.ActionItems,
		Risks:          s.Risks,
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	if out.ActionItems == nil {
		out.ActionItems = []ActionItem{}
	}
	if out.Risks == nil {
		out.Risks = []string{}
	}
	return json.Marshal(out)
}

// PlainText is what goes to summary.txt.
func (s Summary) PlainText() string {
	if s.IsRaw() {
		return s.Raw
	}
	return s.MeetingSummary
}

// SummaryFailure is persisted when the summarizer could not produce a summary.
type SummaryFailure struct {
	Error    string    `json:"error"`
	Model    string    `json:"model,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	Kind        StageKind `json:"kind"`
	AudioPath   string    `json:"audio_path,omitempty"`
	Language    string    `json:"language,omitempty"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

// HistoryItem is one row of the job history listing.
type HistoryItem struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}
