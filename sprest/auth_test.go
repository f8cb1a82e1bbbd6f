package sprest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestBearerAuthCachesUntilExpiry(t *testing.T) {
	fetches := 0
	auth := NewBearerAuth(func(ctx context.Context) (string, error) {
		fetches++
		return signedToken(t, time.Now().Add(time.Hour)), nil
	})

	req, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	require.NoError(t, auth.Apply(context.Background(), req))
	require.Equal(t, 1, fetches, "a live token must be reused")
	require.Contains(t, req.Header.Get("Authorization"), "Bearer ")
}

func TestBearerAuthRefreshesNearExpiry(t *testing.T) {
	fetches := 0
	auth := NewBearerAuth(func(ctx context.Context) (string, error) {
		fetches++
		// Inside the default 60s margin, so every Apply refetches.
		return signedToken(t, time.Now().Add(10*time.Second)), nil
	})

	req, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	require.NoError(t, auth.Apply(context.Background(), req))
	require.Equal(t, 2, fetches)
}

func TestBearerAuthInvalidate(t *testing.T) {
	fetches := 0
	auth := NewBearerAuth(func(ctx context.Context) (string, error) {
		fetches++
		return signedToken(t, time.Now().Add(time.Hour)), nil
	})

	req, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	auth.Invalidate()
	require.NoError(t, auth.Apply(context.Background(), req))
	require.Equal(t, 2, fetches)
}

// An opaque (non-JWT) token is reused until the server rejects it.
func TestBearerAuthOpaqueToken(t *testing.T) {
	fetches := 0
	auth := NewBearerAuth(func(ctx context.Context) (string, error) {
		fetches++
		return "not-a-jwt", nil
	})

	req, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	require.NoError(t, auth.Apply(context.Background(), req))
	require.Equal(t, 1, fetches)
	require.Equal(t, "Bearer not-a-jwt", req.Header.Get("Authorization"))
}

func TestCookieAuthRefreshAfterInvalidate(t *testing.T) {
	refreshes := 0
	auth := NewCookieAuth([]*http.Cookie{{Name: "FedAuth", Value: "v1"}},
		func(ctx context.Context) ([]*http.Cookie, error) {
			refreshes++
			return []*http.Cookie{{Name: "FedAuth", Value: "v2"}}, nil
		})

	req, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req))
	require.Zero(t, refreshes)
	c, err := req.Cookie("FedAuth")
	require.NoError(t, err)
	require.Equal(t, "v1", c.Value)

	auth.Invalidate()
	req2, _ := http.NewRequest("GET", "https://host", nil)
	require.NoError(t, auth.Apply(context.Background(), req2))
	require.Equal(t, 1, refreshes)
	c, err = req2.Cookie("FedAuth")
	require.NoError(t, err)
	require.Equal(t, "v2", c.Value)
}
