package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthProtectsOnlyPrefixedPaths(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler()))

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/v1/status/abc", want: http.StatusUnauthorized},
		{path: "/v1/status/abc", header: "Bearer wrong", want: http.StatusUnauthorized},
		{path: "/v1/status/abc", header: "Bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Fatalf("%s %q: expected %d, got %d", tc.path, tc.header, tc.want, recorder.Code)
		}
	}
}

func TestAuthErrorEnvelope(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler()))
	request := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	request.Header.Set("X-Request-Id", "req-42")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error.Code != "unauthorized" || payload.RequestID != "req-42" {
		t.Fatalf("unexpected envelope %+v", payload)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	recorder := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", recorder.Code)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RequestID(RateLimit(ctx, 0.001, 2)(okHandler()))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/status/x", nil)
		request.RemoteAddr = "10.0.0.1:5555"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 200,200,429 got %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/status/x", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per ip, got %d", recorder.Code)
	}
}

func TestRequestIDReplacesUnsafeHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if len(seen) != 36 || recorder.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
}
