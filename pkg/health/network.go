package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxBody bounds how much of a response is read when matching its body
const maxBody = 64 << 10

func finish(start time.Time, healthy bool, format string, args ...any) Result {
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// HTTPChecker probes an application's local HTTP endpoint. Any status in
// [MinStatus, MaxStatus] is healthy; when Body is set the response must
// also contain it.
type HTTPChecker struct {
	URL       string
	MinStatus int
	MaxStatus int
	Body      string
	Client    *http.Client
}

// NewHTTPChecker accepts 2xx and 3xx responses from url
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		MinStatus: http.StatusOK,
		MaxStatus: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return finish(start, false, "bad request: %v", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return finish(start, false, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < h.MinStatus || resp.StatusCode > h.MaxStatus {
		return finish(start, false, "HTTP %d (expected %d-%d)", resp.StatusCode, h.MinStatus, h.MaxStatus)
	}
	if h.Body != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return finish(start, false, "reading body: %v", err)
		}
		if !strings.Contains(string(body), h.Body) {
			return finish(start, false, "HTTP %d without %q in body", resp.StatusCode, h.Body)
		}
	}
	return finish(start, true, "HTTP %d", resp.StatusCode)
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithStatusRange sets the accepted status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.MinStatus, h.MaxStatus = min, max
	return h
}

// WithBody requires the response body to contain s
func (h *HTTPChecker) WithBody(s string) *HTTPChecker {
	h.Body = s
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// TCPChecker is healthy when Address accepts a connection. The database
// service uses it since it has no HTTP endpoint.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return finish(start, false, "connection failed: %v", err)
	}
	conn.Close()
	return finish(start, true, "connected to %s", t.Address)
}

func (t *TCPChecker) Type() CheckType { return CheckTypeTCP }

func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
