// Package httpstore is a remote.Store that talks to a document server over HTTP/JSON.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/internal/remote"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpstore: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("httpstore: base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   logger,
	}, nil
}

// errorBody is what the document server writes on failure.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Upsert(ctx context.Context, req remote.UpsertRequest) (remote.Document, error) {
	var doc remote.Document
	method, path := http.MethodPost, "/v1/documents"
	if req.ID != "" {
		method, path = http.MethodPut, "/v1/documents/"+url.PathEscape(req.ID)
	}
	status, err := c.do(ctx, method, path, req, &doc)
	if err != nil {
		return remote.Document{}, err
	}
	doc.Created = status == http.StatusCreated
	return doc, nil
}

func (c *Client) Delete(ctx context.Context, id string) (remote.Document, error) {
	var doc remote.Document
	_, err := c.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(id), nil, &doc)
	return doc, err
}

func (c *Client) Get(ctx context.Context, id string) (remote.Document, error) {
	var doc remote.Document
	_, err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id), nil, &doc)
	return doc, err
}

type changesResponse struct {
	Documents []remote.Document `json:"documents"`
}

func (c *Client) Changes(ctx context.Context, since int64, limit int) ([]remote.Document, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out changesResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

// do sends one request and maps the outcome onto the remote error set.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	reqID := uuid.NewString()
	start := time.Now()

	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%w: encode: %v", remote.ErrInvalid, err)
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", remote.ErrInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.log.Warn("remote.http.send_error", "req_id", reqID, "method", method, "path", path, "error", err)
		return 0, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %v", remote.ErrUnavailable, err)
	}
	c.log.Debug("remote.http.response",
		"req_id", reqID,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, classifyStatus(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %v", remote.ErrUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}

func classifyStatus(status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", remote.ErrStaleRevision, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: status %d: %s", remote.ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", remote.ErrInvalid, status, msg)
	}
}
