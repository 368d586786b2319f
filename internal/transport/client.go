package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	appLog "confsync/internal/log"
	"confsync/internal/model"
)

const (
	// DefaultTimeout bounds a whole request, body included.
	DefaultTimeout = 15 * time.Second

	userAgent = "confsync/1.0"

	// maxPlainBody caps bodies read fully into memory by Get.
	maxPlainBody = 4 << 20
)

// TransportError reports a failed request: either an I/O error (Err set) or
// an unexpected HTTP status (StatusCode set).
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transport: GET %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProgressFunc receives the number of body bytes read so far and the
// announced total (-1 when unknown).
type ProgressFunc func(read, total int64)

// Response is the outcome of a conditional fetch.
type Response struct {
	// NotModified is true for a 304; Body is nil then.
	NotModified bool
	// Body streams the payload. The caller must close it.
	Body io.ReadCloser
	// Tag is the validator to replay on the next request.
	Tag model.FreshnessTag
	// ContentLength is -1 when the server did not announce it.
	ContentLength int64
}

// Client performs GET requests against the schedule and room status feeds.
type Client struct {
	client *http.Client
}

// NewClient creates a Client with the given overall request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewClientWith wraps an existing http.Client (e.g. one with custom TLS).
func NewClientWith(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{client: hc}
}

// FetchConditional issues a GET carrying tag as If-Modified-Since. On 2xx the
// body is returned unread, wrapped so that progress is reported as it is
// consumed. progress may be nil.
func (c *Client) FetchConditional(ctx context.Context, rawURL string, tag model.FreshnessTag, progress ProgressFunc) (*Response, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	// Conditional header from the last successful fetch.
	if tag != "" {
		req.Header.Set("If-Modified-Since", string(tag))
	}

	appLog.Debug("transport fetch start", "url", RedactURL(rawURL), "conditional", tag != "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: RedactURL(rawURL), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_ = resp.Body.Close()
		appLog.Debug("transport fetch not modified", "url", RedactURL(rawURL))
		return &Response{NotModified: true, Tag: tag, ContentLength: 0}, nil

	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		total := resp.ContentLength
		appLog.Debug("transport fetch streaming", "url", RedactURL(rawURL), "content_length", total)
		return &Response{
			Body:          &progressReader{rc: resp.Body, url: RedactURL(rawURL), total: total, fn: progress},
			Tag:           model.FreshnessTag(resp.Header.Get("Last-Modified")),
			ContentLength: total,
		}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &TransportError{URL: RedactURL(rawURL), StatusCode: resp.StatusCode}
	}
}

// Get fetches a small document in full. Non-2xx statuses are errors.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: RedactURL(rawURL), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{URL: RedactURL(rawURL), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlainBody))
	if err != nil {
		return nil, &TransportError{URL: RedactURL(rawURL), Err: err}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	if rawURL == "" {
		return nil, errors.New("transport: URL is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// progressReader reports consumption of a response body. Read failures other
// than io.EOF surface as *TransportError.
type progressReader struct {
	rc    io.ReadCloser
	url   string
	read  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.rc.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil {
			p.fn(p.read, p.total)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		err = &TransportError{URL: p.url, Err: err}
	}
	return n, err
}

func (p *progressReader) Close() error { return p.rc.Close() }

// RedactURL hides path and query of a feed URL for logging purposes.
// Example:
//
//	https://example.com/path/to/schedule.xml?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "url://...(redacted)"
	}
	if parsed.Path == "" && parsed.RawQuery == "" {
		return parsed.Scheme + "://" + parsed.Host
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
