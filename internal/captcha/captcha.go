// Package captcha obtains opaque captcha response tokens from an external
// harvester. Solving is not done here.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Source hands out a token for a captcha identified by siteKey on pageURL.
type Source interface {
	Token(ctx context.Context, siteKey, pageURL string) (string, error)
}

// HTTPSource asks a harvester service over HTTP:
// GET {endpoint}?sitekey=...&url=... -> {"token":"..."}.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(endpoint string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Token(ctx context.Context, siteKey, pageURL string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse harvester url: %w", err)
	}
	q := u.Query()
	q.Set("sitekey", siteKey)
	q.Set("url", pageURL)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("harvester request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("harvester returned status %d: %s", resp.StatusCode, string(b))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode harvester response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("harvester returned empty token")
	}
	return payload.Token, nil
}
