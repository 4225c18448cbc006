package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/llm"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "test-model"}, nil)
}

func TestCompleteSendsStructuredRequest(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"model":"test-model-0301","choices":[{"message":{"content":"  {\"amount\": 42.5}  "}}]}`))
	})

	out, err := c.Complete(context.Background(), llm.CompletionRequest{
		System: "sys",
		User:   "user",
		Schema: map[string]any{"type": "object"},
		Hint:   "fix amount",
	})
	require.NoError(t, err)
	require.Equal(t, `{"amount": 42.5}`, out.Content)
	require.Equal(t, "test-model-0301", out.Model)

	require.Equal(t, "test-model", got["model"])
	require.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	require.Equal(t, "fix amount", msgs[3].(map[string]any)["content"])
}

func TestCompleteErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"type":"insufficient_quota","code":"insufficient_quota"}}`, llm.ErrQuotaExceeded},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"type":"requests","code":"rate_limit_exceeded"}}`, llm.ErrRemoteUnavailable},
		{"server", http.StatusBadGateway, `upstream`, llm.ErrRemoteUnavailable},
		{"auth", http.StatusUnauthorized, `{"error":{"code":"invalid_api_key"}}`, llm.ErrRequestRejected},
		{"bad envelope", http.StatusOK, `not json`, llm.ErrRemoteUnavailable},
		{"no choices", http.StatusOK, `{"choices":[]}`, llm.ErrRemoteUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Complete(context.Background(), llm.CompletionRequest{System: "s", User: "u"})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCompleteTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: url}, nil)
	_, err := c.Complete(context.Background(), llm.CompletionRequest{System: "s", User: "u"})
	require.ErrorIs(t, err, llm.ErrRemoteUnavailable)
	require.True(t, common.IsTransient(err))
}
