// Package screenshot is a client for ScreenshotOne-compatible capture APIs.
package screenshot

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.screenshotone.com"

// maxImageBytes caps a single rendered screenshot.
const maxImageBytes = 20 << 20

// Client captures a rendered web page as an image.
type Client interface {
	Take(ctx context.Context, req TakeRequest) (*Image, error)
}

// TakeRequest parameterizes a single capture.
type TakeRequest struct {
	URL             string
	ViewportWidth   int
	ViewportHeight  int
	FullPage        bool
	Delay           time.Duration
	WaitForSelector string
	UserAgent       string
	// Format is png (default), jpeg or webp.
	Format string
}

// Image is a captured screenshot.
type Image struct {
	Bytes       []byte
	ContentType string
}

// APIError is returned when the capture API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("screenshot: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	accessKey string
	baseURL   string
	http      *http.Client
}

// NewClient creates a capture client authenticated with accessKey.
func NewClient(accessKey string, opts ...Option) Client {
	c := &httpClient{
		accessKey: accessKey,
		baseURL:   defaultBaseURL,
		http: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Take(ctx context.Context, tr TakeRequest) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/take?"+c.query(tr).Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, eris.Errorf("screenshot: empty image for %s", tr.URL)
	}
	return &Image{Bytes: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *httpClient) query(tr TakeRequest) url.Values {
	q := url.Values{}
	q.Set("access_key", c.accessKey)
	q.Set("url", tr.URL)
	format := tr.Format
	if format == "" {
		format = "png"
	}
	q.Set("format", format)
	if tr.ViewportWidth > 0 {
		q.Set("viewport_width", strconv.Itoa(tr.ViewportWidth))
	}
	if tr.ViewportHeight > 0 {
		q.Set("viewport_height", strconv.Itoa(tr.ViewportHeight))
	}
	if tr.FullPage {
		q.Set("full_page", "true")
	}
	if tr.Delay > 0 {
		// The API takes whole seconds.
		q.Set("delay", strconv.Itoa(int(math.Ceil(tr.Delay.Seconds()))))
	}
	if tr.WaitForSelector != "" {
		q.Set("wait_for_selector", tr.WaitForSelector)
	}
	if tr.UserAgent != "" {
		q.Set("user_agent", tr.UserAgent)
	}
	q.Set("block_cookie_banners", "true")
	q.Set("block_ads", "true")
	return q
}
