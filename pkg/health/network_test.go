package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		checker func(url string) *HTTPChecker
		want    bool
	}{
		{name: "ok", status: http.StatusOK, checker: NewHTTPChecker, want: true},
		{name: "redirect", status: http.StatusFound, checker: NewHTTPChecker, want: true},
		{name: "booting behind proxy", status: http.StatusBadGateway, checker: NewHTTPChecker},
		{
			name:   "custom range",
			status: http.StatusUnauthorized,
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithStatusRange(200, 401)
			},
			want: true,
		},
		{
			name:   "body matches",
			status: http.StatusOK,
			body:   `{"version_major": "23.1"}`,
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithBody("version_major")
			},
			want: true,
		},
		{
			name:   "body missing",
			status: http.StatusOK,
			body:   "<html>maintenance</html>",
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithBody("version_major")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := tt.checker(srv.URL)
			c.Client = srv.Client()
			res := c.Check(context.Background())
			assert.Equal(t, tt.want, res.Healthy, res.Message)
			assert.False(t, res.CheckedAt.IsZero())
		})
	}
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPChecker(url).WithTimeout(time.Second)
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "request failed")
	assert.Equal(t, CheckTypeHTTP, c.Type())
}

func TestHTTPCheckerHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := NewHTTPChecker(srv.URL).Check(ctx)
	assert.False(t, res.Healthy)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	c := NewTCPChecker(addr).WithTimeout(time.Second)
	assert.True(t, c.Check(context.Background()).Healthy)

	require.NoError(t, ln.Close())
	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "connection failed")
	assert.Equal(t, CheckTypeTCP, c.Type())
}
