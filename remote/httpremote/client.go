// Package httpremote implements the remote data contract over the JSON REST
// API served by the server package.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

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
	"strings"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

// Client calls the REST API. Token returns the bearer token for each request.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ offsync.Remote = (*Client)(nil)

// ErrorResponse is the error body returned by the server
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient creates a REST client for baseURL
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// Create sends POST /rest/{table}
func (c *Client) Create(ctx context.Context, table string, data json.RawMessage) (json.RawMessage, error) {
	var rec json.RawMessage
	err := c.do(ctx, "create", table, "", http.MethodPost, c.tableURL(table, ""), data, &rec)
	return rec, err
}

// Update sends PATCH /rest/{table}/{id}
func (c *Client) Update(ctx context.Context, table, id string, data json.RawMessage) (json.RawMessage, error) {
	var rec json.RawMessage
	err := c.do(ctx, "update", table, id, http.MethodPatch, c.tableURL(table, id), data, &rec)
	return rec, err
}

// Delete sends DELETE /rest/{table}/{id}
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, "delete", table, id, http.MethodDelete, c.tableURL(table, id), nil, nil)
}

// Fetch sends GET /rest/{table} with filter as query parameters
func (c *Client) Fetch(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error) {
	u := c.tableURL(table, "")
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	var recs []json.RawMessage
	if err := c.do(ctx, "fetch", table, "", http.MethodGet, u, nil, &recs); err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []json.RawMessage{}
	}
	return recs, nil
}

// Ping checks GET /health
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &offsync.NetworkError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &offsync.NetworkError{Op: "ping", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

func (c *Client) tableURL(table, id string) string {
	u := c.BaseURL + "/rest/" + url.PathEscape(table)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *Client) do(ctx context.Context, op, table, id, method, u string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return &offsync.NetworkError{Op: op, Table: table, Err: fmt.Errorf("token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &offsync.NetworkError{Op: op, Table: table, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &offsync.NetworkError{Op: op, Table: table, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		c.logger.Debug("REST call failed", "op", op, "table", table, "id", id, "status", resp.StatusCode)
		return classifyStatus(op, table, id, resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &offsync.NetworkError{Op: op, Table: table, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// classifyStatus maps an HTTP error status onto the offsync error taxonomy
func classifyStatus(op, table, id string, status int, body []byte) error {
	var er ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := errors.New(msg)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &offsync.NetworkError{Op: op, Table: table, StatusCode: status, Err: cause}
	case status == http.StatusUnauthorized:
		// Token refresh is the host's concern; retrying with a fresh token may succeed
		return &offsync.NetworkError{Op: op, Table: table, StatusCode: status, Err: cause}
	case status == http.StatusNotFound && er.Error == "unknown_table":
		return &offsync.ConflictError{Table: table, ID: id, Reason: "unknown table", Err: offsync.ErrUnknownTable}
	case status == http.StatusNotFound && er.Error == "not_found":
		// Only a record-level 404 from the server means the record is gone
		return &offsync.ConflictError{Table: table, ID: id, Reason: "not found", Err: offsync.ErrNotFound}
	default:
		reason := er.Error
		if reason == "" {
			reason = strings.ToLower(http.StatusText(status))
		}
		return &offsync.ConflictError{Table: table, ID: id, Reason: reason, Err: cause}
	}
}
