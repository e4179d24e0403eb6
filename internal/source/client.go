// Package source talks to the bustimes.org-shaped transit information API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bus-delay-predictor/internal/transit"
)

const DefaultBaseURL = "https://bustimes.org"

// UpstreamFetchError reports a request to the source that failed after retries.
// Status is 0 for transport errors.
type UpstreamFetchError struct {
	URL        string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *UpstreamFetchError) Temporary() bool {
	switch e.Status {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
	HTTPClient     *http.Client
}

// Client fetches JSON and HTML from the source with bounded exponential
// backoff on rate limiting, server errors and transport failures.
type Client struct {
	base           *url.URL
	http           *http.Client
	maxRetries     int
	initialBackoff time.Duration
	userAgent      string

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(err error, wait time.Duration)
}

func NewClient(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid source base url: %q", raw)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{base: base, http: hc, maxRetries: retries, initialBackoff: initial, userAgent: ua}, nil
}

// ResolveURL resolves a possibly relative link against the base URL.
func (c *Client) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(u).String()
}

func (c *Client) ServicesURL() string { return c.ResolveURL("api/services/") }

func (c *Client) JourneysURL(serviceID int64) string {
	return c.ResolveURL("api/vehiclejourneys/?service=" + strconv.FormatInt(serviceID, 10))
}

func (c *Client) JourneyDetailURL(serviceID int64, journeyID string) string {
	return c.ResolveURL(fmt.Sprintf("services/%d/journeys/%s.json", serviceID, url.PathEscape(journeyID)))
}

// Page is one page of a paginated listing.
type Page struct {
	Results []json.RawMessage
	Next    string
}

// FetchPage fetches one page. params are merged into the URL's query.
func (c *Client) FetchPage(ctx context.Context, rawURL string, params url.Values) (Page, error) {
	var body struct {
		Results []json.RawMessage `json:"results"`
		Next    *string           `json:"next"`
	}
	if err := c.GetJSON(ctx, rawURL, params, &body); err != nil {
		return Page{}, err
	}
	p := Page{Results: body.Results}
	if body.Next != nil {
		p.Next = *body.Next
	}
	return p, nil
}

func (c *Client) FetchJourneyDetail(ctx context.Context, serviceID int64, journeyID string) (transit.JourneyDetail, error) {
	var d transit.JourneyDetail
	if err := c.GetJSON(ctx, c.JourneyDetailURL(serviceID, journeyID), nil, &d); err != nil {
		return transit.JourneyDetail{}, err
	}
	return d, nil
}

// GetJSON fetches rawURL and decodes the body into dest.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, dest any) error {
	body, err := c.Get(ctx, rawURL, params, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &UpstreamFetchError{URL: rawURL, Status: http.StatusOK, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// Get fetches rawURL with retries and returns the body.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, accept string) ([]byte, error) {
	target, err := withParams(c.ResolveURL(rawURL), params)
	if err != nil {
		return nil, err
	}
	policy := &retryAfterBackOff{BackOff: &backoff.ExponentialBackOff{
		InitialInterval:     c.initialBackoff,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)

	return backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			body, err := c.do(ctx, target, accept)
			var ue *UpstreamFetchError
			if errors.As(err, &ue) {
				if !ue.Temporary() {
					return nil, backoff.Permanent(err)
				}
				policy.wait = ue.RetryAfter
			}
			return body, err
		},
		b,
		func(err error, d time.Duration) {
			log.Printf("source: retrying in %s: %v", d.Round(time.Millisecond), err)
			if c.OnRetry != nil {
				c.OnRetry(err, d)
			}
		},
	)
}

func (c *Client) do(ctx context.Context, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &UpstreamFetchError{
			URL:        target,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(resp.Status),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterBackOff stretches the next interval to a server-requested wait.
type retryAfterBackOff struct {
	backoff.BackOff
	wait time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.wait > next {
		next = b.wait
	}
	b.wait = 0
	return next
}
