// Package registrar talks to the university's section-detail API.
//
// The API is shared, unauthenticated and best effort. Every call goes through
// one token bucket, carries its own deadline, and classifies failures into
// the crnwatch error taxonomy so the scheduler knows what to retry.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const (
	DefaultBaseURL = "https://howdy.tamu.edu/api/course-section-details"

	// Section payloads are a few KB; anything past this is not a section.
	maxBodyBytes = 1 << 20
)

type (
	Config struct {
		BaseURL string
		Timeout time.Duration // Per call deadline

		// Token bucket shared by every caller of the client.
		RatePerSecond float64
		Burst         int

		HTTPClient *http.Client
	}

	// Client fetches section details. It is safe for concurrent use.
	Client struct {
		baseURL string
		timeout time.Duration
		limiter *rate.Limiter
		http    *http.Client
		now     func() time.Time
	}
)

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		http:    cfg.HTTPClient,
		now:     time.Now,
	}
}

// FetchSection returns the current state of a section.
//
// A nil section with a nil error means the registrar doesn't know the CRN for
// that term, which is an ordinary outcome and not a failure.
func (c *Client) FetchSection(ctx context.Context, key crnwatch.Key) (*crnwatch.Section, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	// Queue for quota rather than failing
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &crnwatch.UpstreamError{Reason: "waiting for rate limit", Err: err}
	}

	body, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}

	resp, found, err := decodeSection(body)
	if err != nil {
		return nil, &crnwatch.ProtocolError{Err: err}
	}
	if !found {
		return nil, nil
	}

	sec := normalize(key, resp, c.now().UTC())
	return &sec, nil
}

func (c *Client) get(ctx context.Context, key crnwatch.Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("term", key.Term)
	params.Set("subject", "")
	params.Set("course", "")
	params.Set("crn", key.CRN)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstreamErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, upstreamErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &crnwatch.UpstreamError{
			Status: resp.StatusCode,
			Reason: http.StatusText(resp.StatusCode),
		}
	}

	return body, nil
}

func upstreamErr(err error) *crnwatch.UpstreamError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &crnwatch.UpstreamError{Reason: "timeout", Err: err}
	}

	return &crnwatch.UpstreamError{Reason: "request failed", Err: err}
}

// Reports found=false for the shapes the registrar uses to say "no such CRN".
func decodeSection(body []byte) (sectionResp, bool, error) {
	body = bytes.TrimSpace(body)
	switch string(body) {
	case "", "null", "{}", "[]":
		return sectionResp{}, false, nil
	}

	var resp sectionResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return sectionResp{}, false, fmt.Errorf("error decoding section: %w", err)
	}
	if !resp.identified() {
		return sectionResp{}, false, nil
	}

	return resp, true, nil
}
