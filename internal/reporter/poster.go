package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 4 << 10

// Response is what a reporter needs to know about a webhook reply.
type Response struct {
	StatusCode int
	Body       []byte // truncated to 4 KiB
}

// Poster sends one JSON document to a URL.
type Poster interface {
	PostJSON(ctx context.Context, url string, body []byte) (Response, error)
}

// PosterFunc adapts a plain function to Poster.
type PosterFunc func(ctx context.Context, url string, body []byte) (Response, error)

func (f PosterFunc) PostJSON(ctx context.Context, url string, body []byte) (Response, error) {
	return f(ctx, url, body)
}

// HTTPPoster posts over net/http. The zero value uses a client with a 30s
// overall timeout; callers normally bound each request through ctx.
type HTTPPoster struct {
	Client    *http.Client
	UserAgent string
}

var defaultClient = &http.Client{Timeout: 30 * time.Second}

func (p *HTTPPoster) PostJSON(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	ua := p.UserAgent
	if ua == "" {
		ua = "slackpush"
	}
	req.Header.Set("User-Agent", ua)

	c := p.Client
	if c == nil {
		c = defaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}
