// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ListItem is one item returned by the remote store.
type ListItem struct {
	ID          int
	ETag        string
	ModifiedUtc time.Time
	Fields      map[string]any
}

// ListQuery describes a paged list query with a server-evaluated
// filter. When PageCursor is set the other knobs are ignored and the
// cursor is followed as-is.
type ListQuery struct {
	Select     []string
	Filter     string
	OrderBy    string
	Top        int
	PageCursor string
}

// ItemPage is one page of query results. NextPageCursor is empty on
// the last page.
type ItemPage struct {
	Items          []ListItem
	NextPageCursor string
}

// Connector is the remote-store contract the engine talks to. The
// production implementation lives in the sprest package; tests use
// in-memory fakes.
type Connector interface {
	GetListIDByTitle(ctx context.Context, title string) (uuid.UUID, error)
	QueryListItems(ctx context.Context, listID uuid.UUID, q ListQuery) (*ItemPage, error)
	GetListItem(ctx context.Context, listID uuid.UUID, id int, selectFields []string) (*ListItem, error)
	// CreateListItem returns the new server item id.
	CreateListItem(ctx context.Context, listID uuid.UUID, fields map[string]any) (int, error)
	// UpdateListItem applies fields with optimistic concurrency.
	// ifMatchETag "*" means unconditional.
	UpdateListItem(ctx context.Context, listID uuid.UUID, id int, fields map[string]any, ifMatchETag string) error
}

// RemoteError is a failed remote request. Classification of conflict
// and auth signals happens on top of it.
type RemoteError struct {
	StatusCode   int
	ReasonPhrase string
	Body         string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote request failed: %d %s: %s", e.StatusCode, e.ReasonPhrase, e.Body)
}

// AsRemoteError unwraps err into a *RemoteError, or nil.
func AsRemoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// IsConcurrencyConflict reports the optimistic-concurrency signal:
// 409/412, or a 400 whose body cites the etag/precondition.
func IsConcurrencyConflict(err error) bool {
	re := AsRemoteError(err)
	if re == nil {
		return false
	}
	switch re.StatusCode {
	case 409, 412:
		return true
	case 400:
		body := strings.ToLower(re.Body)
		return strings.Contains(body, "etag") || strings.Contains(body, "precondition")
	}
	return false
}

// IsAlreadyExists reports the duplicate-create signal: 409, or a
// 400/500 whose body cites a unique/already/duplicate violation.
func IsAlreadyExists(err error) bool {
	re := AsRemoteError(err)
	if re == nil {
		return false
	}
	switch re.StatusCode {
	case 409:
		return true
	case 400, 500:
		body := strings.ToLower(re.Body)
		return strings.Contains(body, "unique") ||
			strings.Contains(body, "already") ||
			strings.Contains(body, "duplicate")
	}
	return false
}

// IsAuthFailure reports 401/403, which the connector answers with one
// transparent re-authentication retry before propagating.
func IsAuthFailure(err error) bool {
	re := AsRemoteError(err)
	return re != nil && (re.StatusCode == 401 || re.StatusCode == 403)
}
