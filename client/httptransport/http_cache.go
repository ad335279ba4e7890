package httptransport

import (
	"bytes"
	"container/list"
	"io"
	"net/http"
	"sync"

	"github.com/joy-dx/netmux/dto"
)

// cacheHeader marks responses answered from the cache.
const cacheHeader = "X-Netmux-Cache"

// responseCache is a bounded, least recently used store of GET responses.
type responseCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key    string
	cached *dto.CachedResponse
}

func newResponseCache(max int) *responseCache {
	return &responseCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// cacheable reports whether the request may be answered from or stored into the cache.
func cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	cc := req.Header.Get("Cache-Control")
	return cc != "no-cache" && cc != "no-store"
}

func (c *responseCache) get(key string) (*dto.CachedResponse, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).cached, true
}

func (c *responseCache) put(key string, cached *dto.CachedResponse) {
	if c == nil || cached == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).cached = cached
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, cached: cached})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *responseCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// replay builds a fresh response for req out of a cached entry.
func replay(cached *dto.CachedResponse, req *http.Request) *http.Response {
	src := cached.Response
	resp := &http.Response{
		Status:        src.Status,
		StatusCode:    src.StatusCode,
		Proto:         src.Proto,
		ProtoMajor:    src.ProtoMajor,
		ProtoMinor:    src.ProtoMinor,
		Header:        src.Header.Clone(),
		ContentLength: int64(len(cached.Body)),
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		Request:       req,
	}
	resp.Header.Set(cacheHeader, "HIT")
	return resp
}
