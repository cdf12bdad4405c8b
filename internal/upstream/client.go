// Package upstream implements the HTTP client for public gem registries
// (e.g. rubygems.org): dependency metadata lookups for the resolver and gem
// archive mirroring into the resource store.
//
// The connect timeout is deliberately short and separate from the overall
// request timeout: an unreachable upstream should fail a dependency request
// in a couple of seconds, while a legitimate gem download over a slow link
// still gets the full request window.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gem-registry/gem-registry/internal/storage"
)

// Error is a failed upstream response. The original status code and body are
// preserved so the caller can mirror them.
type Error struct {
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func truncate(body []byte, n int) string {
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}

// propertySafelist names the response headers recorded as properties of a
// mirrored gem; everything else the upstream sends is dropped
var propertySafelist = []string{"etag", "content-type", "content-length", "last-modified"}

// Client talks to one upstream registry
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the given upstream base URL. connectTimeout
// bounds TCP connection establishment; requestTimeout bounds the whole
// exchange. Redirects are followed transparently.
func New(baseURL string, connectTimeout, requestTimeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", baseURL)
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: requestTimeout,
			},
		},
	}, nil
}

// Get fetches path from the upstream and returns the body and response
// headers. Any non-2xx response, after redirects, is returned as *Error.
func (c *Client) Get(ctx context.Context, path string) ([]byte, http.Header, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &Error{StatusCode: resp.StatusCode, Body: body}
	}
	return body, resp.Header, nil
}

// GetBody is Get without the headers, satisfying the resolver's upstream
// interface
func (c *Client) GetBody(ctx context.Context, path string) ([]byte, error) {
	body, _, err := c.Get(ctx, path)
	return body, err
}

// FetchGem downloads the named gem archive and mirrors it into store under
// the client's upstream namespace, recording the safelisted response headers
// as properties. Returns the gem bytes and the recorded properties.
func (c *Client) FetchGem(ctx context.Context, fullName string, store *storage.Store) ([]byte, map[string]string, error) {
	body, headers, err := c.Get(ctx, "/gems/"+fullName+".gem")
	if err != nil {
		return nil, nil, err
	}

	properties := SafelistedProperties(headers)
	res := store.For("gems").Resource(fullName)
	if err := res.Save(map[string][]byte{"gem": body}, properties); err != nil {
		return nil, nil, fmt.Errorf("failed to store mirrored gem %s: %w", fullName, err)
	}
	return body, properties, nil
}

// SafelistedProperties filters response headers down to the property safelist
func SafelistedProperties(headers http.Header) map[string]string {
	properties := map[string]string{}
	for _, name := range propertySafelist {
		if value := headers.Get(name); value != "" {
			properties[name] = value
		}
	}
	return properties
}
