// Package storefront is the HTTP client a runner talks to a storefront with.
// One client is bound to at most one proxy and keeps its own cookie session.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
)

const maxBodySize = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL           string
	Proxy             *domain.Proxy
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Logger            *slog.Logger
}

// Response is a fully read storefront response.
type Response struct {
	Status int
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Client issues storefront requests through one proxy. Every response with a
// failing status is converted to a classified error before it is returned.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	proxy   *domain.Proxy
	logger  *slog.Logger

	banSeen atomic.Bool
}

// New creates a Client. A nil Proxy means direct connections.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != nil {
		proxyURL, err := opts.Proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base: base,
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		ua:      ua,
		proxy:   opts.Proxy,
		logger:  logger,
	}, nil
}

// BaseURL returns the storefront root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Proxy returns the proxy this client egresses through, or nil.
func (c *Client) Proxy() *domain.Proxy {
	return c.proxy
}

// Resolve turns a path or absolute URL into an absolute URL on the storefront.
func (c *Client) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	return c.base.ResolveReference(u), nil
}

// TakeBanSignal reports whether any response since the last call was a ban
// signal, and clears the flag. Concurrent feed strategies share a client, so
// a ban seen by a losing strategy is still observable here.
func (c *Client) TakeBanSignal() bool {
	return c.banSeen.Swap(false)
}

// Get fetches ref.
func (c *Client) Get(ctx context.Context, op, ref string) (*Response, error) {
	return c.do(ctx, op, http.MethodGet, ref, nil, "")
}

// PostForm submits form to ref as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, op, ref string, form url.Values) (*Response, error) {
	return c.do(ctx, op, http.MethodPost, ref, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

// PostJSON submits body encoded as JSON to ref.
func (c *Client) PostJSON(ctx context.Context, op, ref string, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode body: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, ref, bytes.NewReader(data), "application/json")
}

func (c *Client) do(ctx context.Context, op, method, ref string, body io.Reader, contentType string) (*Response, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, errpkg.Fatal(op, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errpkg.Transient(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errpkg.Fatal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html,application/json,application/xml;q=0.9,*/*;q=0.8")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.StorefrontResponses.WithLabelValues(op, "error").Inc()
		c.logger.Debug("storefront request failed", "op", op, "url", target.String(), "error", err)
		return nil, errpkg.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		metrics.StorefrontResponses.WithLabelValues(op, "error").Inc()
		return nil, errpkg.Transient(op, fmt.Errorf("read body: %w", err))
	}

	out := &Response{
		Status: resp.StatusCode,
		URL:    resp.Request.URL,
		Header: resp.Header,
		Body:   data,
	}

	classified := errpkg.Classify(op, resp.StatusCode)
	metrics.StorefrontResponses.WithLabelValues(op, statusClass(classified)).Inc()
	metrics.StorefrontLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errpkg.IsBan(classified) {
		c.banSeen.Store(true)
	}
	if classified != nil {
		c.logger.Debug("storefront returned failing status", "op", op, "url", target.String(), "status", resp.StatusCode)
		return out, classified
	}

	return out, nil
}

func statusClass(err error) string {
	if err == nil {
		return "ok"
	}
	return errpkg.KindOf(err).String()
}
