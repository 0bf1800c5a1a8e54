package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type RemoteWorker interface {
	Status(ctx context.Context, jobID string) (json.RawMessage, error)
}

type HTTPRemoteWorker struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPRemoteWorker(baseURL string, timeout time.Duration, client *http.Client) *HTTPRemoteWorker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRemoteWorker{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:    timeout,
		httpClient: client,
	}
}

// Status fetches GET {base}/status/{id} and returns the body untouched once it
// is known to be JSON.
func (w *HTTPRemoteWorker) Status(ctx context.Context, jobID string) (json.RawMessage, error) {
	if w.baseURL == "" {
		return nil, errors.New("remote worker url is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	endpoint := w.baseURL + "/status/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create remote status request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call remote status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read remote status: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("remote status returned %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, errors.New("remote status body is not json")
	}
	return json.RawMessage(body), nil
}
