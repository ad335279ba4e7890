package httptransport

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joy-dx/netmux/dto"
	relayDTO "github.com/joy-dx/relay/dto"
)

// Middleware runs against every outgoing request, including redirects and
// authentication retries. Returning an error aborts the task.
type Middleware func(ctx context.Context, req *http.Request) error

type HTTPTransportConfig struct {
	relay         relayDTO.RelayInterface
	UserAgent     string
	ExtraHeaders  dto.ExtraHeaders
	Timeout       time.Duration
	DownloadDir   string
	ThrottleRPS   float64
	ThrottleBurst int
	CacheEntries  int
	// MaxCacheBody bounds the size of a single cached body
	MaxCacheBody int64
	MaxRedirects int
	ChunkSize    int
	CookieJar    bool
	Middlewares  []Middleware
	// RoundTripper replaces the default *http.Transport at the bottom of the stack
	RoundTripper http.RoundTripper
}

func DefaultHTTPTransportConfig() HTTPTransportConfig {
	return HTTPTransportConfig{
		ExtraHeaders: make(dto.ExtraHeaders),
		Timeout:      30 * time.Second,
		DownloadDir:  filepath.Join(os.TempDir(), "netmux"),
		CacheEntries: 0,
		MaxCacheBody: 1 << 20,
		MaxRedirects: 10,
		ChunkSize:    32 * 1024,
		CookieJar:    true,
		Middlewares:  make([]Middleware, 0),
	}
}

func (c *HTTPTransportConfig) Relay() relayDTO.RelayInterface {
	return c.relay
}

func (c *HTTPTransportConfig) WithRelay(relay relayDTO.RelayInterface) *HTTPTransportConfig {
	c.relay = relay
	return c
}

func (c *HTTPTransportConfig) WithUserAgent(userAgent string) *HTTPTransportConfig {
	c.UserAgent = userAgent
	return c
}

func (c *HTTPTransportConfig) WithExtraHeaders(headers dto.ExtraHeaders) *HTTPTransportConfig {
	c.ExtraHeaders = headers
	return c
}

// WithTimeout bounds the wait for response headers. Body transfer is not limited.
func (c *HTTPTransportConfig) WithTimeout(timeout time.Duration) *HTTPTransportConfig {
	c.Timeout = timeout
	return c
}

func (c *HTTPTransportConfig) WithDownloadDir(dir string) *HTTPTransportConfig {
	c.DownloadDir = dir
	return c
}

func (c *HTTPTransportConfig) WithThrottle(rps float64, burst int) *HTTPTransportConfig {
	c.ThrottleRPS = rps
	c.ThrottleBurst = burst
	return c
}

func (c *HTTPTransportConfig) WithCacheEntries(n int) *HTTPTransportConfig {
	c.CacheEntries = n
	return c
}

func (c *HTTPTransportConfig) WithMaxRedirects(n int) *HTTPTransportConfig {
	c.MaxRedirects = n
	return c
}

func (c *HTTPTransportConfig) WithChunkSize(n int) *HTTPTransportConfig {
	c.ChunkSize = n
	return c
}

func (c *HTTPTransportConfig) WithCookieJar(enabled bool) *HTTPTransportConfig {
	c.CookieJar = enabled
	return c
}

func (c *HTTPTransportConfig) WithMiddleware(m ...Middleware) *HTTPTransportConfig {
	c.Middlewares = append(c.Middlewares, m...)
	return c
}

func (c *HTTPTransportConfig) WithRoundTripper(rt http.RoundTripper) *HTTPTransportConfig {
	c.RoundTripper = rt
	return c
}
