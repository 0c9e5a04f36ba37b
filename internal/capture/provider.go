package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/resilience"
	"github.com/sells-group/adalign/pkg/firecrawl"
	"github.com/sells-group/adalign/pkg/screenshot"
)

// Provider renders a URL to image bytes. Implementations make exactly one
// upstream attempt per call.
type Provider interface {
	Name() string
	Capture(ctx context.Context, rawURL string, opts model.CaptureOptions) ([]byte, error)
}

// Provider names accepted in configuration.
const (
	ProviderScreenshotOne = "screenshotone"
	ProviderFirecrawl     = "firecrawl"
)

// ScreenshotProvider adapts a ScreenshotOne-compatible client.
type ScreenshotProvider struct {
	client screenshot.Client
}

// NewScreenshotProvider wraps c.
func NewScreenshotProvider(c screenshot.Client) *ScreenshotProvider {
	return &ScreenshotProvider{client: c}
}

func (p *ScreenshotProvider) Name() string { return ProviderScreenshotOne }

func (p *ScreenshotProvider) Capture(ctx context.Context, rawURL string, opts model.CaptureOptions) ([]byte, error) {
	img, err := p.client.Take(ctx, screenshot.TakeRequest{
		URL:             rawURL,
		ViewportWidth:   opts.Viewport.Width,
		ViewportHeight:  opts.Viewport.Height,
		FullPage:        opts.FullPage,
		Delay:           opts.Delay,
		WaitForSelector: opts.WaitForSelector,
		UserAgent:       opts.UserAgent,
	})
	if err != nil {
		var apiErr *screenshot.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.FromStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}
	return img.Bytes, nil
}

// FirecrawlProvider captures through Firecrawl's scrape endpoint with the
// screenshot format, then downloads the hosted image.
type FirecrawlProvider struct {
	client firecrawl.Client
}

// NewFirecrawlProvider wraps c.
func NewFirecrawlProvider(c firecrawl.Client) *FirecrawlProvider {
	return &FirecrawlProvider{client: c}
}

func (p *FirecrawlProvider) Name() string { return ProviderFirecrawl }

// mobileBreakpoint is the widest viewport Firecrawl should emulate as mobile.
const mobileBreakpoint = 600

func (p *FirecrawlProvider) Capture(ctx context.Context, rawURL string, opts model.CaptureOptions) ([]byte, error) {
	req := firecrawl.ScrapeRequest{
		URL:     rawURL,
		Formats: []string{firecrawl.FormatScreenshot},
		WaitFor: int(opts.Delay.Milliseconds()),
		Mobile:  opts.Viewport.Width > 0 && opts.Viewport.Width <= mobileBreakpoint,
	}
	if opts.FullPage {
		req.Formats = []string{firecrawl.FormatScreenshotFullPage}
	}
	if opts.UserAgent != "" {
		req.Headers = map[string]string{"User-Agent": opts.UserAgent}
	}
	if opts.WaitForSelector != "" {
		req.Actions = []firecrawl.Action{{Type: "wait", Selector: opts.WaitForSelector}}
	}

	resp, err := p.client.Scrape(ctx, req)
	if err != nil {
		return nil, firecrawlErr(err)
	}
	shot := resp.Data.Screenshot
	if shot == "" {
		return nil, eris.Errorf("capture: firecrawl returned no screenshot for %s", rawURL)
	}

	if strings.HasPrefix(shot, "data:") {
		_, payload, ok := strings.Cut(shot, ";base64,")
		if !ok {
			return nil, eris.New("capture: firecrawl screenshot is not base64")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, eris.Wrap(err, "capture: decode firecrawl screenshot")
		}
		return data, nil
	}

	data, _, err := p.client.Download(ctx, shot)
	if err != nil {
		return nil, firecrawlErr(err)
	}
	return data, nil
}

func firecrawlErr(err error) error {
	var apiErr *firecrawl.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromStatus(err, apiErr.StatusCode)
	}
	return err
}
