package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
)

// StaticHeaderMiddleware injects static headers into every request.
func StaticHeaderMiddleware(headers map[string]string) Middleware {
	return func(ctx context.Context, r *http.Request) error {
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return nil
	}
}

func LoggingMiddleware(logger func(msg string)) Middleware {
	return func(ctx context.Context, r *http.Request) error {
		logger(fmt.Sprintf("[HTTP] %s %s", r.Method, r.URL))
		return nil
	}
}

type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") != "" {
		return ua.base.RoundTrip(r)
	}
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}

// throttle is an http.RoundTripper restricting outbound calls with a token bucket.
type throttle struct {
	limiter *rate.Limiter
	relay   relayDTO.RelayInterface
	next    http.RoundTripper
}

func newThrottle(rps float64, burst int, relay relayDTO.RelayInterface, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%v] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		relay:   relay,
		next:    next,
	}, nil
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.limiter.Allow() {
		return t.next.RoundTrip(r)
	}
	if t.relay != nil {
		t.relay.Debug(relays.RlyNetLog{Ref: "throttle", Msg: "throttle tokens exhausted, waiting: " + r.URL.Path})
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}
	return t.next.RoundTrip(r)
}

func buildRoundTripper(cfg *HTTPTransportConfig) (http.RoundTripper, error) {
	transport := cfg.RoundTripper
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		}
	}
	if cfg.UserAgent != "" {
		transport = userAgent{value: cfg.UserAgent, base: transport}
	}
	if cfg.ThrottleRPS > 0 {
		rt, err := newThrottle(cfg.ThrottleRPS, cfg.ThrottleBurst, cfg.Relay(), transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	return transport, nil
}
