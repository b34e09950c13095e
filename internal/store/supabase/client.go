// Package supabase implements store.Backend over the PostgREST API that
// Supabase exposes under /rest/v1.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dkeye/wigma-ws/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	snapshotsPath = "/rest/v1/yjs_snapshots"
	updatesPath   = "/rest/v1/yjs_updates"
	membersPath   = "/rest/v1/project_users"

	maxResponseBody = 64 << 20
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

// New builds a client. httpClient carries the connect and total timeouts.
func New(baseURL, serviceKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		http:       httpClient,
	}
}

func (c *Client) GetSnapshot(ctx context.Context, projectID string) ([]byte, bool, error) {
	q := url.Values{}
	q.Set("project_id", "eq."+projectID)
	q.Set("select", "snapshot")
	body, err := c.do(ctx, http.MethodGet, snapshotsPath, q, nil, nil)
	if err != nil {
		return nil, false, err
	}
	rows, err := parseRows(body)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	data, err := decodeBytea(rows[0].Get("snapshot"))
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return data, true, nil
}

func (c *Client) UpsertSnapshot(ctx context.Context, projectID string, data []byte) error {
	q := url.Values{}
	q.Set("on_conflict", "project_id")
	payload := map[string]string{
		"project_id": projectID,
		"snapshot":   encodeBytea(data),
	}
	_, err := c.do(ctx, http.MethodPost, snapshotsPath, q, payload, map[string]string{
		"Prefer": "resolution=merge-duplicates,return=minimal",
	})
	return err
}

func (c *Client) GetUpdates(ctx context.Context, projectID string, afterID int64) ([]store.Update, error) {
	q := url.Values{}
	q.Set("project_id", "eq."+projectID)
	q.Set("id", "gt."+strconv.FormatInt(afterID, 10))
	q.Set("order", "id.asc")
	q.Set("select", "id,data")
	body, err := c.do(ctx, http.MethodGet, updatesPath, q, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := parseRows(body)
	if err != nil {
		return nil, err
	}
	out := make([]store.Update, 0, len(rows))
	for _, r := range rows {
		data, err := decodeBytea(r.Get("data"))
		if err != nil {
			return nil, fmt.Errorf("decode update %d: %w", r.Get("id").Int(), err)
		}
		out = append(out, store.Update{ID: r.Get("id").Int(), Data: data})
	}
	return out, nil
}

func (c *Client) AppendUpdate(ctx context.Context, projectID string, data []byte) error {
	payload := map[string]string{
		"project_id": projectID,
		"data":       encodeBytea(data),
	}
	_, err := c.do(ctx, http.MethodPost, updatesPath, nil, payload, map[string]string{
		"Prefer": "return=minimal",
	})
	return err
}

func (c *Client) LastUpdateID(ctx context.Context, projectID string) (int64, error) {
	q := url.Values{}
	q.Set("project_id", "eq."+projectID)
	q.Set("order", "id.desc")
	q.Set("limit", "1")
	q.Set("select", "id")
	body, err := c.do(ctx, http.MethodGet, updatesPath, q, nil, nil)
	if err != nil {
		return 0, err
	}
	rows, err := parseRows(body)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Get("id").Int(), nil
}

// ClearUpdates asks PostgREST to return the deleted ids so the caller
// knows how many rows went away.
func (c *Client) ClearUpdates(ctx context.Context, projectID string, uptoID int64) (int, error) {
	q := url.Values{}
	q.Set("project_id", "eq."+projectID)
	q.Set("id", "lte."+strconv.FormatInt(uptoID, 10))
	q.Set("select", "id")
	body, err := c.do(ctx, http.MethodDelete, updatesPath, q, nil, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return 0, err
	}
	rows, err := parseRows(body)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Client) CheckAccess(ctx context.Context, projectID, userID string) (bool, error) {
	q := url.Values{}
	q.Set("project_id", "eq."+projectID)
	q.Set("user_id", "eq."+userID)
	q.Set("select", "role")
	body, err := c.do(ctx, http.MethodGet, membersPath, q, nil, nil)
	if err != nil {
		return false, err
	}
	rows, err := parseRows(body)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload any, headers map[string]string) ([]byte, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(body), 256)}
		log.Debug().Str("module", "store.supabase").Err(serr).Msg("request failed")
		return nil, serr
	}
	return body, nil
}

func parseRows(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json response")
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, fmt.Errorf("expected json array, got %s", res.Type)
	}
	return res.Array(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
