// Package client is a small SCIM 2.0 client for the gateway, used by
// scripts and tests that drive provisioning from Go.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a SCIM 2.0 service provider.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
}

// Config holds configuration for the client.
type Config struct {
	// BaseURL is the SCIM prefix, e.g. "http://localhost:8090/scim/v2".
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetToken sets the bearer token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.Token = token
}

// Error is a SCIM error response paired with its HTTP status.
type Error struct {
	StatusCode int
	ScimType   string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("scim: %d %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("scim: status %d", e.StatusCode)
}

// ListOptions are the query parameters of a list request.
type ListOptions struct {
	Filter     string
	SortBy     string
	SortOrder  string
	StartIndex int
	Count      int
}

// ListResult is a decoded ListResponse with raw resources.
type ListResult struct {
	TotalResults int               `json:"totalResults"`
	StartIndex   int               `json:"startIndex"`
	ItemsPerPage int               `json:"itemsPerPage"`
	Resources    []json.RawMessage `json:"Resources"`
}

// CreateUser creates a user and decodes the response into out.
func (c *Client) CreateUser(ctx context.Context, user, out any) error {
	return c.do(ctx, http.MethodPost, "/Users", user, out)
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string, out any) error {
	return c.do(ctx, http.MethodGet, "/Users/"+url.PathEscape(id), nil, out)
}

// ReplaceUser replaces a user by id.
func (c *Client) ReplaceUser(ctx context.Context, id string, user, out any) error {
	return c.do(ctx, http.MethodPut, "/Users/"+url.PathEscape(id), user, out)
}

// PatchUser applies a PatchOp body to a user.
func (c *Client) PatchUser(ctx context.Context, id string, patch, out any) error {
	return c.do(ctx, http.MethodPatch, "/Users/"+url.PathEscape(id), patch, out)
}

// DeleteUser deletes a user by id.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/Users/"+url.PathEscape(id), nil, nil)
}

// ListUsers queries the Users collection.
func (c *Client) ListUsers(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return c.list(ctx, "/Users", opts)
}

// CreateGroup creates a group and decodes the response into out.
func (c *Client) CreateGroup(ctx context.Context, group, out any) error {
	return c.do(ctx, http.MethodPost, "/Groups", group, out)
}

// GetGroup fetches a group by id.
func (c *Client) GetGroup(ctx context.Context, id string, out any) error {
	return c.do(ctx, http.MethodGet, "/Groups/"+url.PathEscape(id), nil, out)
}

// ReplaceGroup replaces a group by id.
func (c *Client) ReplaceGroup(ctx context.Context, id string, group, out any) error {
	return c.do(ctx, http.MethodPut, "/Groups/"+url.PathEscape(id), group, out)
}

// PatchGroup applies a PatchOp body to a group.
func (c *Client) PatchGroup(ctx context.Context, id string, patch, out any) error {
	return c.do(ctx, http.MethodPatch, "/Groups/"+url.PathEscape(id), patch, out)
}

// DeleteGroup deletes a group by id.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/Groups/"+url.PathEscape(id), nil, nil)
}

// ListGroups queries the Groups collection.
func (c *Client) ListGroups(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return c.list(ctx, "/Groups", opts)
}

func (c *Client) list(ctx context.Context, path string, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	if opts.SortBy != "" {
		q.Set("sortBy", opts.SortBy)
	}
	if opts.SortOrder != "" {
		q.Set("sortOrder", opts.SortOrder)
	}
	if opts.StartIndex > 0 {
		q.Set("startIndex", strconv.Itoa(opts.StartIndex))
	}
	if opts.Count > 0 {
		q.Set("count", strconv.Itoa(opts.Count))
	}
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out ListResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/scim+json")
	req.Header.Set("Accept", "application/scim+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		scimErr := &Error{StatusCode: resp.StatusCode}
		var errBody struct {
			ScimType string `json:"scimType"`
			Detail   string `json:"detail"`
		}
		if data, err := io.ReadAll(resp.Body); err == nil {
			if json.Unmarshal(data, &errBody) == nil {
				scimErr.ScimType = errBody.ScimType
				scimErr.Detail = errBody.Detail
			}
		}
		return scimErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
