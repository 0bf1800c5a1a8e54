package asr

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

//go:embed assets/faster_whisper_server.py
var helperScript []byte

type WhisperConfig struct {
	PythonBin    string
	Model        string
	Device       string
	ComputeType  string
	FastMode     bool
	// Timeout bounds one Transcribe call. Zero leaves it to the caller's context.
	Timeout      time.Duration
	StartTimeout time.Duration
}

// WhisperEngine keeps one faster-whisper helper process alive and sends it one
// request at a time. The model is loaded once per process.
type WhisperEngine struct {
	config WhisperConfig
	logger *log.Logger
	spawn  func(ctx context.Context) (*helperProcess, error)

	mu     sync.Mutex
	helper *helperProcess
	loaded atomic.Bool
}

type helperProcess struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stop   func()
}

type helperRequest struct {
	Audio string `json:"audio"`
	DecodingParams
}

type helperResponse struct {
	Ready    *bool   `json:"ready,omitempty"`
	Error    string  `json:"error,omitempty"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func NewWhisperEngine(config WhisperConfig, logger *log.Logger) *WhisperEngine {
	if strings.TrimSpace(config.PythonBin) == "" {
		config.PythonBin = "python3"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "medium"
	}
	if strings.TrimSpace(config.Device) == "" {
		config.Device = "cpu"
	}
	if strings.TrimSpace(config.ComputeType) == "" {
		config.ComputeType = "int8"
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = 10 * time.Minute
	}
	config.Model = EffectiveModel(config.Model, config.FastMode)

	engine := &WhisperEngine{config: config, logger: logger}
	engine.spawn = engine.spawnPython
	return engine
}

// EffectiveModel steps the model down one size when fast mode is on.
func EffectiveModel(model string, fastMode bool) string {
	if !fastMode {
		return model
	}
	switch model {
	case "large", "large-v2", "large-v3":
		return "medium"
	case "medium":
		return "small"
	default:
		return model
	}
}

func (e *WhisperEngine) Model() string {
	return e.config.Model
}

// Loaded reports whether the helper process is up with its model in memory.
func (e *WhisperEngine) Loaded() bool {
	return e.loaded.Load()
}

// Start spawns the helper and loads the model ahead of the first job.
func (e *WhisperEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureHelperLocked(ctx)
}

func (e *WhisperEngine) ensureHelperLocked(ctx context.Context) error {
	if e.helper != nil {
		return nil
	}
	helper, err := e.spawn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	e.helper = helper
	e.loaded.Store(true)
	return nil
}

func (e *WhisperEngine) Transcribe(ctx context.Context, audioPath string, params DecodingParams) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureHelperLocked(ctx); err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(helperRequest{Audio: audioPath, DecodingParams: params})
	if err != nil {
		return Result{}, fmt.Errorf("encode helper request: %w", err)
	}

	callCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	response, err := e.roundTrip(callCtx, append(payload, '\n'))
	if err != nil {
		// The helper's stream position is unknown after a failed exchange.
		e.resetLocked()
		return Result{}, err
	}
	if response.Error != "" {
		return Result{}, fmt.Errorf("faster-whisper: %s", response.Error)
	}

	result := Result{
		Language: response.Language,
		Duration: time.Duration(response.Duration * float64(time.Second)),
		Segments: make([]domain.Segment, 0, len(response.Segments)),
	}
	if result.Language == "" {
		result.Language = params.Language
	}
	for i, segment := range response.Segments {
		result.Segments = append(result.Segments, domain.Segment{
			ID:    i,
			Start: segment.Start,
			End:   segment.End,
			Text:  segment.Text,
		})
	}
	return result, nil
}

// Close stops the helper process.
func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	return nil
}

func (e *WhisperEngine) resetLocked() {
	if e.helper == nil {
		return
	}
	e.helper.stop()
	e.helper = nil
	e.loaded.Store(false)
}

func (e *WhisperEngine) roundTrip(ctx context.Context, line []byte) (helperResponse, error) {
	type outcome struct {
		response helperResponse
		err      error
	}
	done := make(chan outcome, 1)
	helper := e.helper
	go func() {
		if _, err := helper.stdin.Write(line); err != nil {
			done <- outcome{err: fmt.Errorf("write helper request: %w", err)}
			return
		}
		response, err := readResponse(helper.stdout)
		done <- outcome{response: response, err: err}
	}()

	select {
	case <-ctx.Done():
		helper.stop()
		return helperResponse{}, fmt.Errorf("transcription timed out: %w", ctx.Err())
	case result := <-done:
		return result.response, result.err
	}
}

func readResponse(reader *bufio.Reader) (helperResponse, error) {
	for {
		line, err := reader.ReadBytes('\n')
		trimmed := strings.TrimSpace(string(line))
		if trimmed != "" && strings.HasPrefix(trimmed, "{") {
			var response helperResponse
			if decodeErr := json.Unmarshal([]byte(trimmed), &response); decodeErr != nil {
				return helperResponse{}, fmt.Errorf("decode helper response: %w", decodeErr)
			}
			return response, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return helperResponse{}, errors.New("faster-whisper helper exited")
			}
			return helperResponse{}, fmt.Errorf("read helper response: %w", err)
		}
	}
}

func (e *WhisperEngine) spawnPython(ctx context.Context) (*helperProcess, error) {
	scriptPath := filepath.Join(os.TempDir(), "meeting_pipeline_faster_whisper.py")
	if err := os.WriteFile(scriptPath, helperScript, 0o755); err != nil {
		return nil, fmt.Errorf("write helper script: %w", err)
	}

	// Not CommandContext: the process outlives the job that started it.
	cmd := exec.Command(e.config.PythonBin, scriptPath,
		"--model", e.config.Model,
		"--device", e.config.Device,
		"--compute-type", e.config.ComputeType,
	)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.config.PythonBin, err)
	}

	var stopOnce sync.Once
	helper := &helperProcess{
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		stop: func() {
			stopOnce.Do(func() {
				_ = stdin.Close()
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
				_ = cmd.Wait()
			})
		},
	}

	if e.logger != nil {
		e.logger.Printf("loading whisper model=%s device=%s compute_type=%s", e.config.Model, e.config.Device, e.config.ComputeType)
	}

	startCtx, cancel := context.WithTimeout(ctx, e.config.StartTimeout)
	defer cancel()
	ready := make(chan error, 1)
	go func() {
		response, err := readResponse(helper.stdout)
		if err == nil && (response.Ready == nil || !*response.Ready) {
			err = fmt.Errorf("helper not ready: %s", response.Error)
		}
		ready <- err
	}()

	select {
	case <-startCtx.Done():
		helper.stop()
		return nil, fmt.Errorf("whisper model load: %w", startCtx.Err())
	case err := <-ready:
		if err != nil {
			helper.stop()
			return nil, err
		}
	}

	if e.logger != nil {
		e.logger.Printf("whisper model ready model=%s", e.config.Model)
	}
	return helper, nil
}
