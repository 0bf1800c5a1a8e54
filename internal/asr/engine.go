package asr

import (
	"context"
	"errors"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

var ErrEngineUnavailable = errors.New("speech recognition engine unavailable")

// DecodingParams are passed to the engine on every call. The pipeline always
// uses DeterministicParams so the same audio gives the same transcript.
type DecodingParams struct {
	Language                  string  `json:"language"`
	Temperature               float64 `json:"temperature"`
	ConditionOnPreviousText   bool    `json:"condition_on_previous_text"`
	BeamSize                  int     `json:"beam_size"`
	VADFilter                 bool    `json:"vad_filter"`
	NoSpeechThreshold         float64 `json:"no_speech_threshold"`
	CompressionRatioThreshold float64 `json:"compression_ratio_threshold"`
	LogProbThreshold          float64 `json:"log_prob_threshold"`
}

func DeterministicParams(language string) DecodingParams {
	return DecodingParams{
		Language:                  language,
		Temperature:               0,
		ConditionOnPreviousText:   false,
		BeamSize:                  1,
		VADFilter:                 true,
		NoSpeechThreshold:         0.6,
		CompressionRatioThreshold: 2.4,
		LogProbThreshold:          -1.0,
	}
}

// Result is the raw engine output. Segment ids are not trusted yet.
type Result struct {
	Language string
	Duration time.Duration
	Segments []domain.Segment
}

type Engine interface {
	Transcribe(ctx context.Context, audioPath string, params DecodingParams) (Result, error)
}

// EngineFunc lets tests and inline setups provide an engine as a function.
type EngineFunc func(ctx context.Context, audioPath string, params DecodingParams) (Result, error)

func (f EngineFunc) Transcribe(ctx context.Context, audioPath string, params DecodingParams) (Result, error) {
	return f(ctx, audioPath, params)
}
