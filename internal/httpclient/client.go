package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/restdeck/restdeck/internal/errdef"
)

// Request is the fully interpolated wire request handed to the
// transport.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response mirrors the send collaborator contract: status, headers,
// body, elapsed time and body size.
type Response struct {
	StatusCode int
	StatusText string
	Headers    map[string]string
	Body       string
	Time       time.Duration
	Size       int
}

type Options struct {
	Timeout         time.Duration
	FollowRedirects bool
}

type Client struct {
	httpClient *http.Client
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Client{httpClient: client}
}

// Send performs the roundtrip. Transport failures come back as errors
// with the HTTP code attached; the orchestrator turns them into
// synthesized error entries, never a crash.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !allowedMethods[method] {
		return nil, errdef.New(errdef.CodeHTTP, "unsupported method: %s", req.Method)
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "build request")
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "send %s %s", method, req.URL)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHTTP, err, "read response body")
	}

	headers := make(map[string]string, len(httpResp.Header))
	for name, values := range httpResp.Header {
		headers[name] = strings.Join(values, ", ")
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		StatusText: httpResp.Status,
		Headers:    headers,
		Body:       string(payload),
		Time:       elapsed,
		Size:       len(payload),
	}, nil
}
