// Package remote talks to the authoritative remote store: a PostgREST-style
// REST API for reads and writes and a websocket change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/rs/zerolog"
)

// maxErrorBody bounds the response text kept in a SyncError.
const maxErrorBody = 200

var _ studiosync.Remote = (*HTTPClient)(nil)

// HTTPClient implements studiosync.Remote over the REST API.
// Safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	clientID   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPClient creates a REST client. clientID is optional; if non-empty,
// it's sent as X-Client-Info for observability.
func NewHTTPClient(remoteURL, apiKey, clientID string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(remoteURL, "/"),
		apiKey:   apiKey,
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: zerolog.Nop(),
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithLogger traces requests and responses at debug level.
func (c *HTTPClient) WithLogger(log zerolog.Logger) *HTTPClient {
	c.log = log.With().Str("component", "remote").Logger()
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "studiosync-client/1.0")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.clientID) != "" {
		req.Header.Set("X-Client-Info", "studiosync/"+c.clientID)
	}
}

func (c *HTTPClient) tableURL(table string) string {
	return c.baseURL + "/rest/v1/" + url.PathEscape(table)
}

// Fetch returns every row of table.
func (c *HTTPClient) Fetch(ctx context.Context, table string) ([]map[string]any, error) {
	const op = "fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tableURL(table)+"?select=*", nil)
	if err != nil {
		return nil, &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, newSyncError(op, resp.StatusCode, body)
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &studiosync.SyncError{Operation: op, StatusCode: resp.StatusCode, Kind: studiosync.KindTransient, Err: err}
	}
	c.log.Debug().Str("table", table).Int("rows", len(rows)).Msg("fetched")
	return rows, nil
}

// Upsert inserts or merges a row keyed by its id.
func (c *HTTPClient) Upsert(ctx context.Context, table string, row map[string]any) error {
	const op = "upsert"
	body, err := json.Marshal(row)
	if err != nil {
		return &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tableURL(table)+"?on_conflict=id", bytes.NewReader(body))
	if err != nil {
		return &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	return c.expectNoContent(op, req)
}

// SoftDelete sets deleted_at on the row with the given id.
func (c *HTTPClient) SoftDelete(ctx context.Context, table, id string, at time.Time) error {
	const op = "soft_delete"
	body, err := json.Marshal(newSoftDeleteBody(at))
	if err != nil {
		return &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}

	u := c.tableURL(table) + "?id=eq." + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	return c.expectNoContent(op, req)
}

// Ping checks the health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	const op = "ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &studiosync.SyncError{Operation: op, Kind: studiosync.KindRejected, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return newSyncError(op, resp.StatusCode, body)
	}
	return nil
}

func (c *HTTPClient) expectNoContent(op string, req *http.Request) error {
	resp, err := c.do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return newSyncError(op, resp.StatusCode, body)
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	ev := c.log.Debug().Str("method", req.Method).Str("url", req.URL.Redacted()).Dur("elapsed", time.Since(start))
	if err != nil {
		ev.Err(err).Msg("request failed")
		return nil, err
	}
	ev.Int("status", resp.StatusCode).Msg("request")
	return resp, nil
}

// transportError wraps a failure that produced no HTTP response.
func transportError(op string, err error) *studiosync.SyncError {
	return &studiosync.SyncError{Operation: op, Kind: studiosync.KindTransient, Err: err}
}

func newSyncError(op string, statusCode int, body []byte) *studiosync.SyncError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > maxErrorBody {
			msg = string(body[:maxErrorBody]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &studiosync.SyncError{
		Operation:  op,
		StatusCode: statusCode,
		Kind:       Classify(statusCode, body),
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

// Classify maps an HTTP failure to an error kind. A 400 whose body names
// an unknown column or a stale schema cache is a schema mismatch; other
// client errors are rejections, except 408 and 429 which are transient
// like every 5xx.
func Classify(statusCode int, body []byte) studiosync.ErrorKind {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return studiosync.KindTransient
	case statusCode >= 500:
		return studiosync.KindTransient
	case statusCode == http.StatusBadRequest && isSchemaMismatch(body):
		return studiosync.KindSchemaMismatch
	case statusCode >= 400:
		return studiosync.KindRejected
	}
	return studiosync.KindTransient
}

func isSchemaMismatch(body []byte) bool {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code == "PGRST204" {
		return true
	}
	text := strings.ToLower(string(body))
	return strings.Contains(text, "pgrst204") ||
		strings.Contains(text, "schema cache") ||
		(strings.Contains(text, "column") && (strings.Contains(text, "not found") ||
			strings.Contains(text, "does not exist") || strings.Contains(text, "could not find")))
}
