package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestChatCompletionsClientGenerateSuccess(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"deepseek-chat",
			"choices":[{"message":{"role":"assistant","content":"{\"meeting_summary\":\"ok\"}"}}],
			"usage":{"prompt_tokens":123,"completion_tokens":22,"total_tokens":145}
		}`))
	}))
	defer server.Close()

	client := NewChatCompletionsClient(ChatCompletionsConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	})

	result, err := client.Generate(context.Background(), GenerateRequest{
		Model:        "deepseek-chat",
		Instructions: "Return JSON only",
		Input:        "transcript",
		Temperature:  0.2,
		JSONObject:   true,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text != `{"meeting_summary":"ok"}` {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Usage.TotalTokens != 145 {
		t.Fatalf("expected total tokens 145, got %d", result.Usage.TotalTokens)
	}
	if payload["temperature"] != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", payload["temperature"])
	}
	if _, ok := payload["max_tokens"]; ok {
		t.Fatalf("expected max_tokens to be omitted when zero")
	}
	format, _ := payload["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", payload["response_format"])
	}
	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestChatCompletionsClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		current := atomic.AddInt32(&calls, 1)
		if current == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"deepseek-chat",
			"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":10,"total_tokens":20}
		}`))
	}))
	defer server.Close()

	client := NewChatCompletionsClient(ChatCompletionsConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	})
	result, err := client.Generate(context.Background(), GenerateRequest{
		Model: "deepseek-chat",
		Input: "test",
	})
	if err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if result.Text == "" {
		t.Fatalf("expected non-empty text after retry")
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 calls, got %d", calls)
	}
}

func TestChatCompletionsClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer server.Close()

	client := NewChatCompletionsClient(ChatCompletionsConfig{APIKey: "test-key", BaseURL: server.URL, MaxRetries: 3})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "nope", Input: "test"})
	var httpErr *providerHTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected provider 400 error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestChatCompletionsClientParsesArrayContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"deepseek-chat",
			"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"строка 1"},{"type":"text","text":"строка 2"}]}}],
			"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}
		}`))
	}))
	defer server.Close()

	client := NewChatCompletionsClient(ChatCompletionsConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "deepseek-chat", Input: "test"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if got := result.Text; got != "строка 1\nстрока 2" {
		t.Fatalf("unexpected parsed text: %q", got)
	}
}

func TestChatCompletionsClientUnavailableWithoutKey(t *testing.T) {
	client := NewChatCompletionsClient(ChatCompletionsConfig{APIKey: ""})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "deepseek-chat", Input: "test"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestChatCompletionsClientSendsOptionalHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.com" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected referer %q"}`, got)))
			return
		}
		if got := r.Header.Get("X-Title"); got != "Meeting Pipeline" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected title %q"}`, got)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"openai/gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	defer server.Close()

	client := NewChatCompletionsClient(ChatCompletionsConfig{
		Provider:   "openrouter",
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
		SiteURL:    "https://example.com",
		AppName:    "Meeting Pipeline",
	})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "openai/gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success with optional headers, got err=%v", err)
	}
}

func TestOpenAIClientReadsOutputText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-4.1-mini",
			"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"{\"risks\":[]}"}]}],
			"usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{APIKey: "test-key", BaseURL: server.URL})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text != `{"risks":[]}` || result.ModelID != "gpt-4.1-mini" || result.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestModelRouterSummaryProfile(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{SummaryFallback: "deepseek-chat"})
	profile := router.Select(TaskSummary)
	if profile.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", profile.Temperature)
	}
	models := profile.Models()
	if len(models) != 1 || models[0] != DefaultDeepSeekModel {
		t.Fatalf("expected duplicate fallback to collapse, got %v", models)
	}

	router = NewModelRouter(ModelRouterConfig{SummaryPrimary: "deepseek-reasoner", SummaryFallback: "deepseek-chat"})
	if models := router.Select(TaskSummary).Models(); len(models) != 2 || models[1] != "deepseek-chat" {
		t.Fatalf("expected primary then fallback, got %v", models)
	}
}
