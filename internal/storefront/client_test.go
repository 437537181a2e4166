package storefront

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL: baseURL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestClient_ClassifiesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = io.WriteString(w, "fine")
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	resp, err := c.Get(ctx, "test", "/ok")
	require.NoError(t, err)
	assert.Equal(t, "fine", string(resp.Body))
	assert.False(t, c.TakeBanSignal())

	_, err = c.Get(ctx, "test", "/broken")
	assert.Equal(t, errpkg.KindTransient, errpkg.KindOf(err))
	assert.False(t, c.TakeBanSignal())

	resp, err = c.Get(ctx, "test", "/limited")
	assert.True(t, errpkg.IsBan(err))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.True(t, c.TakeBanSignal())
	assert.False(t, c.TakeBanSignal(), "signal is cleared once taken")
}

func TestClient_KeepsCookiesAndFollowsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cart":
			http.SetCookie(w, &http.Cookie{Name: "cart", Value: "abc", Path: "/"})
			http.Redirect(w, r, "/1/checkouts/xyz", http.StatusFound)
		case "/1/checkouts/xyz":
			cookie, err := r.Cookie("cart")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, cookie.Value)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	resp, err := c.PostForm(context.Background(), "bootstrap", "/cart", url.Values{"checkout": {""}})
	require.NoError(t, err)
	assert.Equal(t, "/1/checkouts/xyz", resp.URL.Path)
	assert.Equal(t, "abc", string(resp.Body))
}

func TestNew_RejectsRelativeBase(t *testing.T) {
	_, err := New(Options{BaseURL: "/relative"})
	assert.Error(t, err)
}
