package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guidance-agent/internal/domain"
)

type fakeGetter struct {
	val    string
	err    error
	onCall func()
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestAPIBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/"},
		{"http://localhost:8080", "http://localhost:8080/v1/"},
		{"", "https://api.openai.com/v1/"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, apiBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/guidance")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/guidance/")
	require.NoError(t, err)
	require.Equal(t, "/guidance/open-ai-token", c.tokenParameterName())
}

func TestFetchAPIKey(t *testing.T) {
	key, err := fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"token":"sk-1"}`}, "/g/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-1", key)

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"other":"x"}`}, "/g/open-ai-token")
	require.ErrorContains(t, err, "API token is empty")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"broken`}, "/g/open-ai-token")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{err: errors.New("ssm unavailable")}, "/g/open-ai-token")
	require.ErrorContains(t, err, "ssm unavailable")

	_, err = fetchAPIKeyFromParamStore(context.Background(), nil, "/g/open-ai-token")
	require.ErrorContains(t, err, "nil")
}

func newTestClient(t *testing.T, srv *httptest.Server, g *fakeGetter) *Client {
	t.Helper()
	if g == nil {
		g = &fakeGetter{val: `{"token":"sk-test"}`}
	}
	c, err := NewClient(g, "/guidance", WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	return c
}

const completionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1670000000,
	"model": "gpt-4o-2024-08-06",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "Peace be with you."}
	}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func TestComplete_HappyPath(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Complete(context.Background(), domain.CompletionRequest{
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   300,
		Messages: []domain.ChatMessage{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "I feel lost"},
		},
		Tools: []domain.ToolDescriptor{{Name: "lookup_service_info", Description: "service facts"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Peace be with you.", resp.Content)
	require.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	require.Equal(t, 120, resp.PromptTokens)
	require.Equal(t, 30, resp.CompletionTokens)

	require.Equal(t, "gpt-4o", body["model"])
	require.EqualValues(t, 300, body["max_completion_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
}

func TestComplete_ToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": null,
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "lookup_service_info", "arguments": "{\"topic\":\"pricing\"}"}}]
			}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Complete(context.Background(), domain.CompletionRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: "user", Content: "how much?"},
			{Role: "assistant", ToolCalls: []domain.ToolCall{{ID: "call_0", Name: "lookup_service_info", Arguments: `{}`}}},
			{Role: "tool", ToolCallID: "call_0", Content: "tool unavailable"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_1", resp.ToolCalls[0].ID)
	require.Equal(t, "lookup_service_info", resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"topic":"pricing"}`, resp.ToolCalls[0].Arguments)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)
	tool := msgs[2].(map[string]any)
	require.Equal(t, "tool", tool["role"])
	require.Equal(t, "call_0", tool["tool_call_id"])
	_, hasTools := body["tools"]
	require.False(t, hasTools)
}

func TestComplete_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.Complete(context.Background(), domain.CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.True(t, statusErr.Retryable())
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"gpt-4o","choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.Complete(context.Background(), domain.CompletionRequest{Model: "gpt-4o"})
	require.ErrorContains(t, err, "no choices")
}

func TestComplete_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/guidance")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorContains(t, err, "model")
}

func TestComplete_KeyFetchedOnceAndRetriedAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	calls := 0
	g := &fakeGetter{err: errors.New("ssm down")}
	g.onCall = func() { calls++ }
	c := newTestClient(t, srv, g)

	_, err := c.Complete(context.Background(), domain.CompletionRequest{Model: "gpt-4o"})
	require.ErrorContains(t, err, "ssm down")

	g.err = nil
	g.val = `{"token":"sk-test"}`
	for i := 0; i < 3; i++ {
		_, err = c.Complete(context.Background(), domain.CompletionRequest{Model: "gpt-4o"})
		require.NoError(t, err)
	}
	require.Equal(t, 2, calls)
}

func TestHTTPStatusError_Retryable(t *testing.T) {
	require.True(t, (&HTTPStatusError{StatusCode: 503}).Retryable())
	require.False(t, (&HTTPStatusError{StatusCode: 400}).Retryable())
	require.Contains(t, (&HTTPStatusError{StatusCode: 400, URL: "u", Body: "b"}).Error(), "400")
}
