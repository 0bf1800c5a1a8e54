package status

import (
	"encoding/json"

	"github.com/iago/meeting-pipeline/internal/domain"
)

type State string

const (
	StateNotFound                  State = "not_found"
	StateQueued                    State = "queued"
	StateProcessing                State = "processing"
	StateTranscribedWaitingSummary State = "transcribed_waiting_summary"
	StateDone                      State = "done"
	StateFailed                    State = "failed"
)

// Facts is everything the resolver observed about a job's artifacts and
// metadata. The *Error fields only carry messages for the response body.
type Facts struct {
	Exists             bool
	HasTranscript      bool
	TranscriptHasError bool
	HasSummary         bool
	HasSummaryError    bool
	HandoffFailed      bool
	ASRStarted         bool

	TranscriptError string
	SummaryError    string
	HandoffError    string
}

// DispatchStage marks a failure that happened before any stage ran.
const DispatchStage domain.StageKind = "dispatch"

type Status struct {
	JobID  string           `json:"job_id"`
	State  State            `json:"status"`
	Stage  domain.StageKind `json:"stage,omitempty"`
	Error  string           `json:"error,omitempty"`
	Remote json.RawMessage  `json:"remote,omitempty"`
}

// Derive maps facts to a lifecycle state. The first matching rule wins.
func Derive(facts Facts) Status {
	switch {
	case !facts.Exists:
		return Status{State: StateNotFound}
	case facts.HasSummary:
		return Status{State: StateDone}
	case facts.HasTranscript && facts.TranscriptHasError:
		return Status{State: StateFailed, Stage: domain.StageASR, Error: facts.TranscriptError}
	case facts.HasTranscript && facts.HasSummaryError:
		return Status{State: StateFailed, Stage: domain.StageSummarize, Error: facts.SummaryError}
	case facts.HasTranscript:
		return Status{State: StateTranscribedWaitingSummary}
	case facts.HandoffFailed:
		return Status{State: StateFailed, Stage: DispatchStage, Error: facts.HandoffError}
	case facts.ASRStarted:
		return Status{State: StateProcessing}
	default:
		return Status{State: StateQueued}
	}
}

// InFlight reports whether a remote worker may know more than the store.
func (s Status) InFlight() bool {
	return s.State == StateQueued || s.State == StateProcessing
}
