package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrConversionDegraded means ffmpeg could not normalize the input and the
// original file should be transcribed as is.
var ErrConversionDegraded = errors.New("audio normalization failed")

const NormalizedFilename = "input_normalized.wav"

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Normalizer converts an input recording into 16 kHz mono 16-bit PCM WAV.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
}

type FFmpegNormalizer struct {
	ffmpegPath string
	timeout    time.Duration
	runner     commandRunner
	logger     *log.Logger
}

func NewFFmpegNormalizer(ffmpegPath string, timeout time.Duration, logger *log.Logger) *FFmpegNormalizer {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FFmpegNormalizer{
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		runner:     execRunner{},
		logger:     logger,
	}
}

// Normalize returns the path the engine should read. On ffmpeg failure it
// returns the original path together with ErrConversionDegraded.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	if ok, _ := IsCanonicalWAV(inputPath); ok {
		return inputPath, nil
	}

	outputPath := filepath.Join(filepath.Dir(inputPath), NormalizedFilename)
	runCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	started := time.Now()
	result, err := n.runner.Run(runCtx, n.ffmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		outputPath,
	)
	if err != nil {
		_ = os.Remove(outputPath)
		stderr := strings.TrimSpace(result.Stderr)
		if len(stderr) > 500 {
			stderr = stderr[len(stderr)-500:]
		}
		return inputPath, fmt.Errorf("%w: exit=%d %v: %s", ErrConversionDegraded, result.ExitCode, err, stderr)
	}
	if info, statErr := os.Stat(outputPath); statErr != nil || info.Size() == 0 {
		return inputPath, fmt.Errorf("%w: ffmpeg produced no output", ErrConversionDegraded)
	}

	if n.logger != nil {
		n.logger.Printf("audio normalized input=%s output=%s duration_ms=%d", filepath.Base(inputPath), NormalizedFilename, time.Since(started).Milliseconds())
	}
	return outputPath, nil
}

// IsCanonicalWAV reports whether path already is a 16 kHz mono PCM s16le WAV.
func IsCanonicalWAV(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	var header [12]byte
	if _, err := io.ReadFull(file, header[:]); err != nil {
		return false, nil
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return false, nil
	}

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(file, chunk[:]); err != nil {
			return false, nil
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])
		if string(chunk[0:4]) != "fmt " {
			skip := int64(size) + int64(size%2)
			if _, err := file.Seek(skip, io.SeekCurrent); err != nil {
				return false, nil
			}
			continue
		}
		if size < 16 {
			return false, nil
		}
		var format [16]byte
		if _, err := io.ReadFull(file, format[:]); err != nil {
			return false, nil
		}
		audioFormat := binary.LittleEndian.Uint16(format[0:2])
		channels := binary.LittleEndian.Uint16(format[2:4])
		sampleRate := binary.LittleEndian.Uint32(format[4:8])
		bitsPerSample := binary.LittleEndian.Uint16(format[14:16])
		return audioFormat == 1 && channels == 1 && sampleRate == 16000 && bitsPerSample == 16, nil
	}
}
