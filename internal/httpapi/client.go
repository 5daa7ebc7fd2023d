// Package httpapi provides a concrete source.ListFunc implementation
// against a generic cursor-paginated, rate-limited workspace HTTP API
// (pages, databases, users, blocks, comments), modeled on the shape of
// a typed client.Method(ctx, params) call rather than hand-rolled
// request construction at every call site.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaydocs/spacesync/internal/source"
	"github.com/relaydocs/spacesync/models"
)

// Client talks to the workspace API. One Client is shared across every
// section's Source; the rate-limit controller living above it (in
// internal/source) is what actually meters request volume.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient builds a Client with a sane default HTTP transport timeout.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Endpoint maps a section/operation class to its resource path and the
// field that holds the page's cursor-identified items.
type Endpoint struct {
	Path        string
	ResultField string
}

// Endpoints is the fixed mapping named in the original source contract.
var Endpoints = map[models.OperationClass]Endpoint{
	models.ClassPages:     {Path: "/v1/pages", ResultField: "results"},
	models.ClassDatabases: {Path: "/v1/databases", ResultField: "results"},
	models.ClassUsers:     {Path: "/v1/users", ResultField: "results"},
	models.ClassComments:  {Path: "/v1/comments", ResultField: "results"},
}

// SectionEndpoints maps the orchestrator's fixed section names to their
// endpoint. Blocks and properties are modeled as their own
// top-level, cursor-paginated listings rather than per-parent
// children fetches, so one Client.SectionSource covers every section.
var SectionEndpoints = map[string]Endpoint{
	"pages":      {Path: "/v1/pages", ResultField: "results"},
	"databases":  {Path: "/v1/databases", ResultField: "results"},
	"users":      {Path: "/v1/users", ResultField: "results"},
	"blocks":     {Path: "/v1/blocks", ResultField: "results"},
	"comments":   {Path: "/v1/comments", ResultField: "results"},
	"properties": {Path: "/v1/properties", ResultField: "results"},
}

// SectionSource builds an orchestrator.SectionSource-compatible
// ListFunc factory for section. An unrecognized section name yields a
// ListFunc that always errors, rather than panicking at wiring time.
func (c *Client) SectionSource(section string) source.ListFunc {
	ep, ok := SectionEndpoints[section]
	if !ok {
		return func(ctx context.Context, args source.Args) (source.Page, error) {
			return source.Page{}, fmt.Errorf("httpapi: unknown section %q", section)
		}
	}
	return c.ListFunc(ep.Path, ep.ResultField)
}

// BlockChildrenPath builds the nested blocks-children endpoint for a
// parent block or page id.
func BlockChildrenPath(parentID string) string {
	return fmt.Sprintf("/v1/blocks/%s/children", parentID)
}

// statusError carries an HTTP status code so internal/retry's
// Classifier can classify it without string-matching the message.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("workspace api: status %d: %s", e.code, e.body)
}

// StatusOf extracts the HTTP status code from an error returned by
// ListFunc, or 0 if err did not originate from this client.
func StatusOf(err error) int {
	if se, ok := err.(*statusError); ok {
		return se.code
	}
	return 0
}

// ListFunc builds a source.ListFunc for one section's endpoint. path is
// either a fixed Endpoints entry's Path or a BlockChildrenPath result.
func (c *Client) ListFunc(path, resultField string) source.ListFunc {
	return func(ctx context.Context, args source.Args) (source.Page, error) {
		body := map[string]any{}
		for k, v := range args {
			body[k] = v
		}

		raw, err := json.Marshal(body)
		if err != nil {
			return source.Page{}, fmt.Errorf("marshal request body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
		if err != nil {
			return source.Page{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			// Transport-level failures (timeout, connection reset) are
			// returned as-is; internal/retry classifies them as
			// Network via their net.Error Timeout() method.
			return source.Page{}, fmt.Errorf("request %s: %w", path, err)
		}
		defer resp.Body.Close()

		headers := map[string]string{}
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return source.Page{Headers: headers}, fmt.Errorf("read response body: %w", err)
		}

		// A 429 is not an error condition at the transport level: the
		// caller must observe the headers to compute its wait, so we
		// surface it as a statusError (classified, not panicked) while
		// still returning the headers gathered above.
		if resp.StatusCode >= 400 {
			return source.Page{Headers: headers}, &statusError{code: resp.StatusCode, body: string(respBody)}
		}

		var generic map[string]any
		if err := json.Unmarshal(respBody, &generic); err != nil {
			return source.Page{Headers: headers}, fmt.Errorf("parse response: %w", err)
		}

		rawResults, _ := generic[resultField].([]any)
		items := make([]models.ExportItem, 0, len(rawResults))
		for _, r := range rawResults {
			obj, ok := r.(map[string]any)
			if !ok {
				continue
			}
			id, _ := obj["id"].(string)
			items = append(items, models.ExportItem{
				ID:        id,
				Payload:   obj,
				Timestamp: time.Now().UnixMilli(),
			})
		}
		nextCursor, _ := generic["next_cursor"].(string)

		return source.Page{Results: items, NextCursor: nextCursor, Headers: headers}, nil
	}
}
