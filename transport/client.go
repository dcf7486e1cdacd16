// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

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
)

const maxResponseBytes = 8 << 20

// Client talks to the metrics backend over HTTP
type Client struct {
	BaseURL  string
	Token    func(context.Context) (string, error) // returns bearer token
	HTTP     *http.Client
	PageSize int // entries per GET /metrics page
	Codec    Codec
	logger   *slog.Logger
}

// NewClient creates a backend client
func NewClient(baseURL string, tok func(ctx context.Context) (string, error)) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    tok,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		PageSize: 500,
		Codec:    NewCodec(nil),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the client logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// CreateMetric creates a remote entry and returns its id
func (c *Client) CreateMetric(ctx context.Context, req CreateMetricRequest) (int64, error) {
	var resp CreateMetricResponse
	if err := c.do(ctx, "createMetric", http.MethodPost, "/metrics", req, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, &ValidationError{Op: "createMetric", StatusCode: http.StatusOK, Message: resp.Error}
	}
	if resp.EntryID <= 0 {
		// The entry may exist remotely; let the caller retry and adopt it
		return 0, &TransientError{Op: "createMetric", StatusCode: http.StatusOK, Err: errors.New("response carried no entry_id")}
	}
	return resp.EntryID, nil
}

// UpdateMetric replaces value and date of a remote entry
func (c *Client) UpdateMetric(ctx context.Context, remoteID int64, req UpdateMetricRequest) error {
	resp := SimpleResponse{Success: true} // an empty body counts as success
	if err := c.do(ctx, "updateMetric", http.MethodPut, metricPath(remoteID), req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &ValidationError{Op: "updateMetric", StatusCode: http.StatusOK, Message: resp.Error}
	}
	return nil
}

// DeleteMetric deletes a remote entry
func (c *Client) DeleteMetric(ctx context.Context, remoteID int64) error {
	resp := SimpleResponse{Success: true}
	if err := c.do(ctx, "deleteMetric", http.MethodDelete, metricPath(remoteID), nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &ValidationError{Op: "deleteMetric", StatusCode: http.StatusOK, Message: resp.Error}
	}
	return nil
}

// ListMetrics fetches the full remote listing, page by page.
// Malformed entries are collected in Listing.Malformed and never fail the call.
func (c *Client) ListMetrics(ctx context.Context) (*Listing, error) {
	pageSize := c.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	listing := &Listing{}
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page ListMetricsResponse
		if err := c.do(ctx, "listMetrics", http.MethodGet, "/metrics?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		if !page.Success {
			return nil, &ValidationError{Op: "listMetrics", StatusCode: http.StatusOK, Message: page.Error}
		}

		entries, malformed := c.Codec.DecodeEntries(page.Entries, offset)
		listing.Entries = append(listing.Entries, entries...)
		listing.Malformed = append(listing.Malformed, malformed...)
		listing.Total = page.Total

		offset += len(page.Entries)
		if len(page.Entries) == 0 || offset >= page.Total {
			break
		}
	}

	if len(listing.Malformed) > 0 {
		c.logger.Warn("skipped malformed remote entries", "count", len(listing.Malformed), "total", listing.Total)
	}
	return listing, nil
}

// Ping checks GET /health without authentication
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &TransientError{Op: "health", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Op: "health", StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return nil
}

func metricPath(remoteID int64) string {
	return "/metrics/" + strconv.FormatInt(remoteID, 10)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		// a token source that could not reach its issuer is offline, not unauthenticated
		var transient *TransientError
		if errors.As(err, &transient) {
			return err
		}
		return &AuthError{Op: op, Err: fmt.Errorf("failed to get token: %w", err)}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("backend returned error", "op", op, "status", resp.StatusCode)
		return classifyStatus(op, resp.StatusCode, errorMessage(data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		if er.Message != "" {
			return er.Error + ": " + er.Message
		}
		return er.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
