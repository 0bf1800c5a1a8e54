package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iago/meeting-pipeline/internal/domain"
)

type RemoteConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RemoteTransport uploads the audio to a sibling ASR worker. The worker answers
// "accepted" right away and transcribes in the background.
type RemoteTransport struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

type acceptResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewRemoteTransport(config RemoteConfig) *RemoteTransport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &RemoteTransport{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

func (t *RemoteTransport) Name() string {
	return "remote"
}

func (t *RemoteTransport) Handoff(ctx context.Context, request Request) error {
	if request.Stage != domain.StageASR {
		return fmt.Errorf("%w: %q", ErrUnsupportedStage, request.Stage)
	}
	if t.baseURL == "" {
		return errors.New("remote worker url is not configured")
	}

	audio, err := os.Open(request.AudioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer audio.Close()

	timeoutCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(request.AudioPath))
		if err == nil {
			_, err = io.Copy(part, audio)
		}
		if err == nil {
			err = form.Close()
		}
		writer.CloseWithError(err)
	}()

	query := url.Values{}
	query.Set("job_id", request.JobID)
	query.Set("language", request.Language)
	endpoint := t.baseURL + "/transcribe?" + query.Encode()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, endpoint, body)
	if err != nil {
		body.Close()
		return fmt.Errorf("create remote handoff request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", form.FormDataContentType())
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := t.httpClient.Do(httpRequest)
	if err != nil {
		body.Close()
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("remote worker timeout: %w", err)
		}
		return fmt.Errorf("remote worker transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read remote worker body: %w", err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 700 {
			message = message[:700]
		}
		return fmt.Errorf("%w: remote worker status %d: %s", ErrRejected, httpResponse.StatusCode, message)
	}

	var accepted acceptResponse
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return fmt.Errorf("decode remote worker response: %w", err)
	}
	if accepted.Status != "accepted" {
		return fmt.Errorf("%w: remote worker answered %q", ErrRejected, accepted.Status)
	}
	return nil
}
