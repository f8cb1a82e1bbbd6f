// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package sprest implements the spsync remote-connector contract
// against the SharePoint REST API (_api/web, odata=verbose).
package sprest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-spsync/spsync"
)

// defaultTimeout bounds every remote request.
const defaultTimeout = 100 * time.Second

// digestSafetyMargin renews the form digest this long before its
// reported expiry.
const digestSafetyMargin = 30 * time.Second

// Options tunes the connector.
type Options struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

// Connector talks to one SharePoint site. The form digest and the
// list-id to entity-type cache are instance state; there are no
// process-wide singletons.
type Connector struct {
	baseURL string
	http    *http.Client
	auth    AuthProvider
	logger  *slog.Logger

	typeMu      sync.Mutex
	entityTypes map[uuid.UUID]string

	digestMu      sync.Mutex
	digestValue   string
	digestExpires time.Time
}

// New creates a connector for the site at baseURL (e.g.
// "https://host/sites/app").
func New(baseURL string, auth AuthProvider, opts *Options) (*Connector, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if opts == nil {
		opts = &Options{}
	}
	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        client,
		auth:        auth,
		logger:      logger,
		entityTypes: make(map[uuid.UUID]string),
	}, nil
}

var _ spsync.Connector = (*Connector)(nil)

// GetListIDByTitle resolves a list id from its display title.
func (c *Connector) GetListIDByTitle(ctx context.Context, title string) (uuid.UUID, error) {
	path := fmt.Sprintf("/_api/web/lists/getbytitle('%s')?$select=Id", escapeODataPath(title))
	body, err := c.get(ctx, c.baseURL+path)
	if err != nil {
		return uuid.Nil, err
	}
	d, err := envelope(body)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(strings.Trim(spsync.AsString(d["Id"]), "{}"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("list %q returned invalid id: %w", title, err)
	}
	return id, nil
}

// QueryListItems runs one paged query. When q.PageCursor is set it is
// followed verbatim (SharePoint returns an absolute __next URL).
func (c *Connector) QueryListItems(ctx context.Context, listID uuid.UUID, q spsync.ListQuery) (*spsync.ItemPage, error) {
	endpoint := q.PageCursor
	if endpoint == "" {
		params := url.Values{}
		if len(q.Select) > 0 {
			params.Set("$select", strings.Join(q.Select, ","))
		}
		if q.Filter != "" {
			params.Set("$filter", q.Filter)
		}
		if q.OrderBy != "" {
			params.Set("$orderby", q.OrderBy)
		}
		if q.Top > 0 {
			params.Set("$top", fmt.Sprintf("%d", q.Top))
		}
		endpoint = fmt.Sprintf("%s/_api/web/lists(guid'%s')/items", c.baseURL, listID)
		if enc := params.Encode(); enc != "" {
			endpoint += "?" + enc
		}
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	d, err := envelope(body)
	if err != nil {
		return nil, err
	}

	page := &spsync.ItemPage{}
	if results, ok := d["results"].([]any); ok {
		page.Items = make([]spsync.ListItem, 0, len(results))
		for _, r := range results {
			if raw, ok := r.(map[string]any); ok {
				page.Items = append(page.Items, parseItem(raw))
			}
		}
	}
	page.NextPageCursor = spsync.AsString(d["__next"])
	return page, nil
}

// GetListItem fetches one item by its integer id.
func (c *Connector) GetListItem(ctx context.Context, listID uuid.UUID, id int, selectFields []string) (*spsync.ListItem, error) {
	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)", c.baseURL, listID, id)
	if len(selectFields) > 0 {
		params := url.Values{}
		params.Set("$select", strings.Join(selectFields, ","))
		endpoint += "?" + params.Encode()
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	d, err := envelope(body)
	if err != nil {
		return nil, err
	}
	item := parseItem(d)
	return &item, nil
}

// CreateListItem creates an item and returns the new server id.
func (c *Connector) CreateListItem(ctx context.Context, listID uuid.UUID, fields map[string]any) (int, error) {
	etype, err := c.entityTypeFullName(ctx, listID)
	if err != nil {
		return 0, err
	}
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["__metadata"] = map[string]any{"type": etype}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode item: %w", err)
	}

	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items", c.baseURL, listID)
	body, err := c.post(ctx, endpoint, raw, nil)
	if err != nil {
		return 0, err
	}
	d, err := envelope(body)
	if err != nil {
		return 0, err
	}
	newID, ok := spsync.AsInt(d["Id"])
	if !ok {
		return 0, fmt.Errorf("create response has no item id")
	}
	return newID, nil
}

// UpdateListItem merges fields into an item. ifMatchETag "*" is
// unconditional; an explicit etag makes the write optimistic.
func (c *Connector) UpdateListItem(ctx context.Context, listID uuid.UUID, id int, fields map[string]any, ifMatchETag string) error {
	etype, err := c.entityTypeFullName(ctx, listID)
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["__metadata"] = map[string]any{"type": etype}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	if ifMatchETag == "" {
		ifMatchETag = "*"
	}

	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)", c.baseURL, listID, id)
	_, err = c.post(ctx, endpoint, raw, map[string]string{
		"X-HTTP-Method": "MERGE",
		"IF-MATCH":      ifMatchETag,
	})
	return err
}

// AttachmentInfo describes one item attachment.
type AttachmentInfo struct {
	FileName          string
	ServerRelativeURL string
}

// ListAttachments returns the attachments of an item.
func (c *Connector) ListAttachments(ctx context.Context, listID uuid.UUID, id int) ([]AttachmentInfo, error) {
	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)/AttachmentFiles", c.baseURL, listID, id)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	d, err := envelope(body)
	if err != nil {
		return nil, err
	}
	var out []AttachmentInfo
	if results, ok := d["results"].([]any); ok {
		for _, r := range results {
			if raw, ok := r.(map[string]any); ok {
				out = append(out, AttachmentInfo{
					FileName:          spsync.AsString(raw["FileName"]),
					ServerRelativeURL: spsync.AsString(raw["ServerRelativeUrl"]),
				})
			}
		}
	}
	return out, nil
}

// DownloadAttachment returns the raw bytes of an attachment.
func (c *Connector) DownloadAttachment(ctx context.Context, listID uuid.UUID, id int, fileName string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)/AttachmentFiles('%s')/$value",
		c.baseURL, listID, id, escapeODataPath(fileName))
	return c.do(ctx, http.MethodGet, endpoint, nil, nil, false)
}

// UploadAttachment adds an attachment to an item.
func (c *Connector) UploadAttachment(ctx context.Context, listID uuid.UUID, id int, fileName string, content []byte) error {
	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)/AttachmentFiles/add(FileName='%s')",
		c.baseURL, listID, id, escapeODataPath(fileName))
	_, err := c.do(ctx, http.MethodPost, endpoint, content, nil, true)
	return err
}

// DeleteAttachment removes an attachment from an item.
func (c *Connector) DeleteAttachment(ctx context.Context, listID uuid.UUID, id int, fileName string) error {
	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%d)/AttachmentFiles('%s')",
		c.baseURL, listID, id, escapeODataPath(fileName))
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, map[string]string{
		"X-HTTP-Method": "DELETE",
	}, true)
	return err
}

// entityTypeFullName resolves and caches ListItemEntityTypeFullName,
// required in the __metadata envelope of writes.
func (c *Connector) entityTypeFullName(ctx context.Context, listID uuid.UUID) (string, error) {
	c.typeMu.Lock()
	if etype, ok := c.entityTypes[listID]; ok {
		c.typeMu.Unlock()
		return etype, nil
	}
	c.typeMu.Unlock()

	endpoint := fmt.Sprintf("%s/_api/web/lists(guid'%s')?$select=ListItemEntityTypeFullName", c.baseURL, listID)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", err
	}
	d, err := envelope(body)
	if err != nil {
		return "", err
	}
	etype := spsync.AsString(d["ListItemEntityTypeFullName"])
	if etype == "" {
		return "", fmt.Errorf("list %s has no entity type name", listID)
	}

	c.typeMu.Lock()
	c.entityTypes[listID] = etype
	c.typeMu.Unlock()
	return etype, nil
}

// formDigest returns a valid request digest, fetching a fresh one from
// /_api/contextinfo when the cached value is missing or near expiry.
func (c *Connector) formDigest(ctx context.Context) (string, error) {
	c.digestMu.Lock()
	defer c.digestMu.Unlock()
	if c.digestValue != "" && time.Now().Before(c.digestExpires.Add(-digestSafetyMargin)) {
		return c.digestValue, nil
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/_api/contextinfo", nil, nil, false)
	if err != nil {
		return "", fmt.Errorf("failed to acquire form digest: %w", err)
	}
	d, err := envelope(body)
	if err != nil {
		return "", err
	}
	info, _ := d["GetContextWebInformation"].(map[string]any)
	if info == nil {
		info = d
	}
	digest := spsync.AsString(info["FormDigestValue"])
	if digest == "" {
		return "", fmt.Errorf("contextinfo returned no digest")
	}
	timeout, ok := spsync.AsInt(info["FormDigestTimeoutSeconds"])
	if !ok || timeout <= 0 {
		timeout = 1800
	}
	c.digestValue = digest
	c.digestExpires = time.Now().Add(time.Duration(timeout) * time.Second)
	return digest, nil
}

func (c *Connector) invalidateDigest() {
	c.digestMu.Lock()
	c.digestValue = ""
	c.digestExpires = time.Time{}
	c.digestMu.Unlock()
}

func (c *Connector) get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil, nil, false)
}

func (c *Connector) post(ctx context.Context, endpoint string, body []byte, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, endpoint, body, headers, true)
}

// do sends one request. A 401/403 invalidates the cached credentials
// and digest and retries the request once.
func (c *Connector) do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string, needDigest bool) ([]byte, error) {
	send := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json;odata=verbose")
		if len(body) > 0 && headers["Content-Type"] == "" {
			req.Header.Set("Content-Type", "application/json;odata=verbose")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if err := c.auth.Apply(ctx, req); err != nil {
			return nil, err
		}
		if needDigest {
			digest, err := c.formDigest(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-RequestDigest", digest)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &spsync.RemoteError{
				StatusCode:   resp.StatusCode,
				ReasonPhrase: http.StatusText(resp.StatusCode),
				Body:         string(respBody),
			}
		}
		return respBody, nil
	}

	out, err := send()
	if spsync.IsAuthFailure(err) {
		c.logger.Debug("Re-authenticating after rejected request", "endpoint", endpoint)
		c.auth.Invalidate()
		c.invalidateDigest()
		out, err = send()
	}
	return out, err
}

// envelope unwraps the odata=verbose {"d": {...}} response body.
func envelope(body []byte) (map[string]any, error) {
	var outer map[string]any
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if d, ok := outer["d"].(map[string]any); ok {
		return d, nil
	}
	return outer, nil
}

// parseItem converts one verbose item object into a ListItem. Nav
// properties arrive as deferred objects and are dropped; only scalar
// fields survive.
func parseItem(raw map[string]any) spsync.ListItem {
	item := spsync.ListItem{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		if k == "__metadata" {
			if meta, ok := v.(map[string]any); ok {
				item.ETag = strings.Trim(spsync.AsString(meta["etag"]), `"`)
			}
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if _, deferred := m["__deferred"]; deferred {
				continue
			}
		}
		item.Fields[k] = v
	}
	if id, ok := spsync.AsInt(raw["Id"]); ok {
		item.ID = id
	} else if id, ok := spsync.AsInt(raw["ID"]); ok {
		item.ID = id
	}
	if t, ok := spsync.AsTime(raw["Modified"]); ok {
		item.ModifiedUtc = t
	}
	return item
}

// escapeODataPath escapes a value embedded in a quoted OData path
// segment: quote doubling plus URL escaping.
func escapeODataPath(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "%27", "''")
}
