package netmux

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/joy-dx/netmux/config"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
)

// fakeTransport hands out identifiers and records calls; tests drive the
// delegate events themselves.
type fakeTransport struct {
	mu          sync.Mutex
	delegate    dto.SessionDelegate
	seq         *dto.TaskIDSequence
	specs       map[dto.TaskID]dto.TaskSpec
	cancelled   map[dto.TaskID]bool
	fixedID     dto.TaskID
	createErr   error
	invalidated bool
	// manualCancel leaves reporting the cancellation to the test
	manualCancel bool
	// beforeCreate runs at the start of CreateTask, outside the lock
	beforeCreate func()

	resumed chan dto.TaskID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		specs:     make(map[dto.TaskID]dto.TaskSpec),
		cancelled: make(map[dto.TaskID]bool),
		resumed:   make(chan dto.TaskID, 32),
	}
}

func (f *fakeTransport) Ref() string { return "fake" }

func (f *fakeTransport) Schemes() []string { return []string{"fake"} }

func (f *fakeTransport) Bind(delegate dto.SessionDelegate, seq *dto.TaskIDSequence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = delegate
	f.seq = seq
}

func (f *fakeTransport) CreateTask(_ context.Context, spec dto.TaskSpec) (dto.TaskID, error) {
	f.mu.Lock()
	hook := f.beforeCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	id := f.fixedID
	if id == 0 {
		id = f.seq.Next()
	}
	f.specs[id] = spec
	return id, nil
}

func (f *fakeTransport) Resume(id dto.TaskID) error {
	f.resumed <- id
	return nil
}

func (f *fakeTransport) Cancel(id dto.TaskID) {
	f.mu.Lock()
	f.cancelled[id] = true
	d, manual := f.delegate, f.manualCancel
	f.mu.Unlock()
	if !manual {
		go d.DidCompleteWithError(id, context.Canceled)
	}
}

func (f *fakeTransport) Invalidate(bool) {
	f.mu.Lock()
	f.invalidated = true
	d := f.delegate
	f.mu.Unlock()
	d.DidBecomeInvalid(nil)
}

func (f *fakeTransport) wasCancelled(id dto.TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id]
}

// next waits for the transport to be resumed for a task.
func (f *fakeTransport) next(t *testing.T) dto.TaskID {
	t.Helper()
	select {
	case id := <-f.resumed:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Resume")
		return 0
	}
}

// respond reports response headers and returns the disposition the task chose.
func (f *fakeTransport) respond(t *testing.T, id dto.TaskID, status int, contentLength int64) dto.ResponseDisposition {
	t.Helper()
	resp := &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        http.Header{},
		ContentLength: contentLength,
		Body:          http.NoBody,
	}
	ch := make(chan dto.ResponseDisposition, 1)
	f.delegate.DidReceiveResponse(id, resp, func(d dto.ResponseDisposition) { ch <- d })
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("response disposition never arrived")
		return dto.ResponseCancel
	}
}

func testRelay() relayDTO.RelayInterface {
	return relays.NewSlogRelay(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newTestSvc returns a hydrated service with the fake transport registered for fake://.
func newTestSvc(t *testing.T, mutate func(cfg *config.TaskSvcConfig)) (*TaskSvc, *fakeTransport) {
	t.Helper()
	cfg := config.DefaultTaskSvcConfig()
	cfg.WithRelay(testRelay()).
		WithDownloadDir(t.TempDir()).
		WithCacheEntries(0)
	if mutate != nil {
		mutate(&cfg)
	}
	svc := NewTaskSvc(&cfg)
	ft := newFakeTransport()
	svc.RegisterTransport(ft)
	if err := svc.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, ft
}

func mustRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func waitDone(t *testing.T, task Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never completed", task.ID())
	}
}
