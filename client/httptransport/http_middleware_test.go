package httptransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/joy-dx/netmux/dto"
)

func Test_Middlewares_golden(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Clone()
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	var logged []string
	tr, d := newTestTransport(t, func(cfg *HTTPTransportConfig) {
		cfg.WithUserAgent("netmux-test/1.0").
			WithExtraHeaders(dto.ExtraHeaders{"X-Extra": "e"}).
			WithMiddleware(
				StaticHeaderMiddleware(map[string]string{"X-Static": "1"}),
				LoggingMiddleware(func(msg string) { logged = append(logged, msg) }),
			)
	})

	startTask(t, tr, getSpec(t, dto.TaskKindData, srv.URL+"/mw"))
	if c := d.wait(t); c.err != nil {
		t.Fatalf("unexpected error: %v", c.err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]string{
		"User-Agent": "netmux-test/1.0",
		"X-Extra":    "e",
		"X-Static":   "1",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("header %s = %q; want %q", k, got.Get(k), v)
		}
	}
	if len(logged) != 1 || logged[0] != "[HTTP] GET "+srv.URL+"/mw" {
		t.Errorf("logged = %v", logged)
	}
}

func Test_MiddlewareAbort(t *testing.T) {
	t.Parallel()

	boom := errors.New("blocked by policy")
	tr, d := newTestTransport(t, func(cfg *HTTPTransportConfig) {
		cfg.WithMiddleware(func(context.Context, *http.Request) error { return boom })
	})
	startTask(t, tr, getSpec(t, dto.TaskKindData, "http://example.invalid/x"))
	c := d.wait(t)
	if !errors.Is(c.err, boom) || !errors.Is(c.err, dto.ErrTransport) {
		t.Fatalf("err = %v; want ErrTransport wrapping the middleware error", c.err)
	}
}

func Test_NewThrottle_golden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rps     float64
		burst   int
		wantErr bool
	}{
		{name: "valid", rps: 5, burst: 1},
		{name: "zero rps", rps: 0, burst: 1, wantErr: true},
		{name: "zero burst", rps: 5, burst: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newThrottle(tt.rps, tt.burst, nil, http.DefaultTransport)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v; wantErr %t", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrMustNotBeZero) {
				t.Fatalf("err = %v; want ErrMustNotBeZero", err)
			}
		})
	}
}

func Test_ThrottleCancelledContext(t *testing.T) {
	t.Parallel()

	rt, err := newThrottle(1, 1, nil, http.DefaultTransport)
	if err != nil {
		t.Fatalf("newThrottle: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}

func TestResponseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := newResponseCache(2)
	entry := func() *dto.CachedResponse {
		return &dto.CachedResponse{Response: &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}}
	}
	c.put("a", entry())
	c.put("b", entry())
	if _, ok := c.get("a"); !ok {
		t.Fatal("a missing")
	}
	c.put("c", entry())

	if _, ok := c.get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if c.len() != 2 {
		t.Fatalf("len = %d; want 2", c.len())
	}
}
