package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/internal/llm"
)

// Complete implements llm.Completer over chat/completions with a JSON response format.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.complete.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"user_len", len(req.User),
		"repair", req.Hint != "",
	)

	messages := []map[string]any{
		{"role": "system", "content": req.System},
		{"role": "user", "content": req.User},
	}
	if req.Schema != nil {
		messages = append(messages, map[string]any{"role": "system", "content": "JSON Schema:\n" + mustJSON(req.Schema)})
	}
	if req.Hint != "" {
		messages = append(messages, map[string]any{"role": "user", "content": req.Hint})
	}
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages":        messages,
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, code, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.log)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return llm.Completion{}, ctx.Err()
		}
		c.log.Warn("llm.complete.http_error", "req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return llm.Completion{}, fmt.Errorf("%w: %v", llm.ErrRemoteUnavailable, err)
	}
	if err := classifyStatus(code, raw); err != nil {
		c.log.Warn("llm.complete.status_error", "req_id", rid, "status", code, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return llm.Completion{}, err
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.complete.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Completion{}, fmt.Errorf("%w: decode response: %v", llm.ErrRemoteUnavailable, err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.complete.no_choices", "req_id", rid,
			"elapsed_ms", time.Since(start).Milliseconds())
		return llm.Completion{}, fmt.Errorf("%w: no choices in response", llm.ErrRemoteUnavailable)
	}

	model := cc.Model
	if model == "" {
		model = c.cfg.Model
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	c.log.Info("llm.complete.ok",
		"req_id", rid,
		"model", model,
		"content_len", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return llm.Completion{Content: content, Model: model}, nil
}

// classifyStatus maps provider statuses to the llm error taxonomy.
func classifyStatus(code int, raw []byte) error {
	if code/100 == 2 {
		return nil
	}
	snippet := string(raw)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case code == http.StatusTooManyRequests && isQuotaError(raw):
		return fmt.Errorf("%w: status %d: %s", llm.ErrQuotaExceeded, code, snippet)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: status %d: %s", llm.ErrRemoteUnavailable, code, snippet)
	default:
		return fmt.Errorf("%w: status %d: %s", llm.ErrRequestRejected, code, snippet)
	}
}

func isQuotaError(raw []byte) bool {
	var env struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Error.Code == "insufficient_quota" || env.Error.Type == "insufficient_quota" {
			return true
		}
	}
	return strings.Contains(string(raw), "insufficient_quota")
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
