// Package remote is a thin request/response mapping onto the master's
// record API: per-type CRUD, action invocation, id allocation, and the
// transaction log query used by the pull path.
package remote

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
	"time"

	"github.com/apstic/recsync/internal/record"
	"github.com/apstic/recsync/internal/txlog"
)

// OriginHeader carries the calling node's device id on every request
// so the master's change capture tags applied mutations with the true
// origin instead of its own.
const OriginHeader = "X-Source-Device-ID"

const defaultTimeout = 15 * time.Second

// Actions invocable on a remote record.
const (
	ActionSubmit = "submit"
	ActionCancel = "cancel"
)

// CreatePayload is the wire shape for record creation.
//
// CreatedAt is carried through deliberately: the master preserves the
// originating node's creation time on sync-created records so later
// collision checks on the same logical record compare equal.
type CreatePayload struct {
	ID        string         `json:"id"`
	Lifecycle string         `json:"lifecycle,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// UpdatePayload is the wire shape for record updates.
type UpdatePayload struct {
	Fields map[string]any `json:"fields"`
}

// AllocatedID is the id-allocation response.
type AllocatedID struct {
	ID string `json:"id"`
}

// Client talks to one master endpoint with a fixed credential pair
// and device id. Safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	deviceID  string
	http      *http.Client
}

// NewClient creates a client for the master at baseURL. Trailing
// slashes are trimmed. A nil httpClient gets a default with a call
// timeout; timeouts surface as transient errors.
func NewClient(baseURL, apiKey, apiSecret, deviceID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		deviceID:  deviceID,
		http:      httpClient,
	}
}

func (c *Client) resourceURL(recordType, id string) string {
	u := c.baseURL + "/api/resource/" + url.PathEscape(recordType)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// do sends a request with auth and the origin header, returning the
// response body. Non-2xx statuses become *APIError.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(OriginHeader, c.deviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Create creates a record on the master under rec.ID.
func (c *Client) Create(ctx context.Context, rec *record.Record) error {
	payload := CreatePayload{
		ID:        rec.ID,
		Lifecycle: string(rec.Lifecycle),
		Fields:    rec.Fields,
		CreatedAt: rec.CreatedAt,
	}
	_, err := c.do(ctx, "create "+rec.Type+"/"+rec.ID, http.MethodPost, c.resourceURL(rec.Type, ""), payload)
	return err
}

// Update merges fields into an existing remote record.
func (c *Client) Update(ctx context.Context, recordType, id string, fields map[string]any) error {
	_, err := c.do(ctx, "update "+recordType+"/"+id, http.MethodPut,
		c.resourceURL(recordType, id), UpdatePayload{Fields: fields})
	return err
}

// Action invokes a workflow action (submit or cancel) on a remote record.
func (c *Client) Action(ctx context.Context, recordType, id, action string) error {
	u := c.resourceURL(recordType, id) + "?action=" + url.QueryEscape(action)
	_, err := c.do(ctx, action+" "+recordType+"/"+id, http.MethodPut, u, struct{}{})
	return err
}

// Delete removes a remote record.
func (c *Client) Delete(ctx context.Context, recordType, id string) error {
	_, err := c.do(ctx, "delete "+recordType+"/"+id, http.MethodDelete, c.resourceURL(recordType, id), nil)
	return err
}

// Exists reports whether a remote record is present. A 404 is a clean
// false, not an error.
func (c *Client) Exists(ctx context.Context, recordType, id string) (bool, error) {
	_, err := c.do(ctx, "head "+recordType+"/"+id, http.MethodGet, c.resourceURL(recordType, id), nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Get fetches the full remote record.
func (c *Client) Get(ctx context.Context, recordType, id string) (*record.Record, error) {
	data, err := c.do(ctx, "get "+recordType+"/"+id, http.MethodGet, c.resourceURL(recordType, id), nil)
	if err != nil {
		return nil, err
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("get %s/%s: decode response: %w", recordType, id, err)
	}
	return &rec, nil
}

// AllocateID asks the master for the next free id derived from base.
// Used by collision resolution; only the local record is ever renamed
// to the allocated id.
func (c *Client) AllocateID(ctx context.Context, recordType, base string) (string, error) {
	u := c.baseURL + "/api/method/allocate-id?type=" + url.QueryEscape(recordType) +
		"&base=" + url.QueryEscape(base)
	data, err := c.do(ctx, "allocate id for "+recordType, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	var alloc AllocatedID
	if err := json.Unmarshal(data, &alloc); err != nil {
		return "", fmt.Errorf("allocate id: decode response: %w", err)
	}
	if alloc.ID == "" {
		return "", fmt.Errorf("allocate id: master returned empty id")
	}
	return alloc.ID, nil
}

// ListLogSince queries the master's transaction log for entries not
// originated by excludeOrigin with timestamps past the watermark,
// ascending, capped at limit.
func (c *Client) ListLogSince(ctx context.Context, excludeOrigin string, since int64, limit int) ([]txlog.Entry, error) {
	u := c.baseURL + "/api/log?exclude_origin=" + url.QueryEscape(excludeOrigin) +
		"&since=" + strconv.FormatInt(since, 10) +
		"&limit=" + strconv.Itoa(limit)
	data, err := c.do(ctx, "list log", http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var entries []txlog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("list log: decode response: %w", err)
	}
	return entries, nil
}
