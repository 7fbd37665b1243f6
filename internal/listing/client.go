package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultUserAgent = "corpsite/1.0"

const (
	// CacheStatusHeader reports how the response cache answered a request.
	CacheStatusHeader = "X-Cache"
	// CacheStatusOffline marks the placeholder served when a listing is
	// neither cached nor reachable.
	CacheStatusOffline = "OFFLINE"
)

// OfflineBody is the placeholder listing served while offline.
const OfflineBody = `{"data":[],"meta":{"error":"offline"}}`

// ErrOffline is returned when the response is the offline placeholder
// rather than content from the API.
var ErrOffline = errors.New("content api offline")

type noCacheKey struct{}

// WithNoCache marks ctx so requests made with it skip stored copies and go
// to the network first.
func WithNoCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCacheKey{}, true)
}

func noCache(ctx context.Context) bool {
	v, _ := ctx.Value(noCacheKey{}).(bool)
	return v
}

// StatusError is returned when the content API answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s: %s", e.URL, e.Status, http.StatusText(e.Status), e.Body)
}

// Client fetches listing payloads from the content API.
type Client struct {
	http      *http.Client
	base      string
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a client for the content API at base.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		http:      http.DefaultClient,
		base:      strings.TrimRight(base, "/"),
		userAgent: defaultUserAgent,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Base returns the origin the client talks to.
func (c *Client) Base() string { return c.base }

// Fetch returns the raw listing payload for q.
func (c *Client) Fetch(ctx context.Context, q Query) (json.RawMessage, error) {
	return c.getJSON(ctx, BuildURL(c.base, q))
}

// FetchPost returns the raw payload for a single post.
func (c *Client) FetchPost(ctx context.Context, slug string) (json.RawMessage, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, errors.New("slug required")
	}
	return c.getJSON(ctx, c.base+Path+"/"+url.PathEscape(slug))
}

func (c *Client) getJSON(ctx context.Context, u string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if noCache(ctx) {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if resp.Header.Get(CacheStatusHeader) == CacheStatusOffline {
		return nil, fmt.Errorf("GET %s: %w", u, ErrOffline)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: u, Status: resp.StatusCode, Body: string(body)}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: response is not JSON", u)
	}
	return json.RawMessage(body), nil
}
