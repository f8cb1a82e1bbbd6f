// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sprest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthProvider decorates outgoing requests with credentials. On a
// 401/403 the connector calls Invalidate and retries the request once,
// so providers must be able to re-acquire lazily.
type AuthProvider interface {
	Apply(ctx context.Context, req *http.Request) error
	Invalidate()
}

// CookieAuth authenticates with SharePoint federation cookies
// (FedAuth/rtFa) acquired externally, e.g. through an interactive
// sign-in flow. The cookies are data here; acquisition stays outside
// the connector.
type CookieAuth struct {
	// Refresh re-acquires cookies after invalidation. Optional; when
	// nil an invalidated provider keeps serving the stale cookies and
	// the 401 propagates.
	Refresh func(ctx context.Context) ([]*http.Cookie, error)

	mu      sync.Mutex
	cookies []*http.Cookie
	stale   bool
}

// NewCookieAuth creates a cookie provider seeded with cookies.
func NewCookieAuth(cookies []*http.Cookie, refresh func(ctx context.Context) ([]*http.Cookie, error)) *CookieAuth {
	return &CookieAuth{cookies: cookies, Refresh: refresh}
}

func (a *CookieAuth) Apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stale && a.Refresh != nil {
		cookies, err := a.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh auth cookies: %w", err)
		}
		a.cookies = cookies
		a.stale = false
	}
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	return nil
}

func (a *CookieAuth) Invalidate() {
	a.mu.Lock()
	a.stale = true
	a.mu.Unlock()
}

// BearerAuth authenticates with an OAuth bearer token (SharePoint
// add-in / app-only tokens are JWTs). The token's exp claim is parsed
// unverified purely to know when to call Fetch again; validation is
// the server's job.
type BearerAuth struct {
	Fetch func(ctx context.Context) (string, error)

	// ExpiryMargin refreshes the token this long before exp. Defaults
	// to 60 seconds.
	ExpiryMargin time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewBearerAuth creates a bearer provider around a token fetcher.
func NewBearerAuth(fetch func(ctx context.Context) (string, error)) *BearerAuth {
	return &BearerAuth{Fetch: fetch}
}

func (a *BearerAuth) Apply(ctx context.Context, req *http.Request) error {
	token, err := a.current(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *BearerAuth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expires = time.Time{}
	a.mu.Unlock()
}

func (a *BearerAuth) current(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	margin := a.ExpiryMargin
	if margin <= 0 {
		margin = 60 * time.Second
	}
	if a.token != "" && (a.expires.IsZero() || time.Now().Before(a.expires.Add(-margin))) {
		return a.token, nil
	}

	token, err := a.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch bearer token: %w", err)
	}
	a.token = token
	a.expires = tokenExpiry(token)
	return a.token, nil
}

// tokenExpiry extracts the exp claim without verifying the signature.
// A zero time means "unknown"; the token is then reused until the
// server rejects it.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
