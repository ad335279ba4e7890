package netmux

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/joy-dx/netmux/config"
	"github.com/joy-dx/netmux/dto"
)

func TestTaskSvc_ListenerReceivesTerminalUpdate(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	const url = "fake://host/watched"

	updates, unsub := svc.TaskListener(url)
	other, unsubOther := svc.TaskListener("fake://host/other")
	defer unsubOther()

	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, url), nil, nil)
	_ = svc.Submit(task)
	id := ft.next(t)
	ft.delegate.DidReceiveData(id, []byte("hello"))
	ft.delegate.DidCompleteWithError(id, nil)

	var last dto.TaskNotification
	timeout := time.After(5 * time.Second)
	for !last.State.IsTerminal() {
		select {
		case last = <-updates:
		case <-timeout:
			t.Fatal("no terminal update")
		}
	}
	if last.ID != id || last.State != dto.TaskFinished || last.Transferred != 5 || last.URL != url {
		t.Fatalf("terminal update = %+v", last)
	}
	select {
	case n := <-other:
		t.Fatalf("listener for another url got %+v", n)
	default:
	}

	unsub()
	unsub()
	for range updates {
	}
}

func TestTaskSvc_TaskListenerClose(t *testing.T) {
	t.Parallel()

	svc, _ := newTestSvc(t, nil)
	a, _ := svc.TaskListener("fake://host/a")
	b, unsubB := svc.TaskListener("fake://host/a")
	svc.TaskListenerClose("fake://host/a")

	for _, ch := range []<-chan dto.TaskNotification{a, b} {
		if _, ok := <-ch; ok {
			t.Fatal("channel left open")
		}
	}
	// unsubscribing after a forced close must not panic
	unsubB()
}

func TestTaskSvc_LedgerSurvivesRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	withLedger := func(cfg *config.TaskSvcConfig) { cfg.WithLedgerPath(path) }

	first, ft := newTestSvc(t, withLedger)
	task, _ := first.DataTask(mustRequest(t, http.MethodGet, "fake://host/kept"), nil, nil)
	_ = first.Submit(task)
	oldID := ft.next(t)
	ft.delegate.DidReceiveData(oldID, []byte("abc"))
	ft.delegate.DidCompleteWithError(oldID, nil)
	waitDone(t, task)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, ft2 := newTestSvc(t, withLedger)
	n, ok := second.Ledger(oldID)
	if !ok || n.State != dto.TaskFinished || n.URL != "fake://host/kept" || n.Transferred != 3 {
		t.Fatalf("restored = %+v (%t)", n, ok)
	}
	if _, ok := second.State().Tasks[oldID]; !ok {
		t.Fatal("state snapshot misses restored task")
	}

	next, _ := second.DataTask(mustRequest(t, http.MethodGet, "fake://host/new"), nil, nil)
	_ = second.Submit(next)
	newID := ft2.next(t)
	if newID <= oldID {
		t.Fatalf("new id %s not above restored id %s", newID, oldID)
	}
	ft2.delegate.DidCompleteWithError(newID, nil)
	waitDone(t, next)
}

func TestTaskSvc_Invalidate(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	invalid := make(chan error, 4)
	svc.OnDidBecomeInvalid(func(err error) {
		select {
		case invalid <- err:
		default:
		}
	})

	running, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/running"), nil, nil)
	_ = svc.Submit(running)
	id := ft.next(t)

	svc.Invalidate(false)
	ft.mu.Lock()
	invalidated := ft.invalidated
	ft.mu.Unlock()
	if !invalidated {
		t.Fatal("transport not invalidated")
	}
	select {
	case <-invalid:
	case <-time.After(5 * time.Second):
		t.Fatal("invalid handler not called")
	}

	late, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/late"), nil, nil)
	if err := svc.Submit(late); !errors.Is(err, ErrQueueShutdown) {
		t.Fatalf("Submit err = %v", err)
	}

	// without cancelPending the running task is left to finish
	if running.State() != dto.TaskExecuting || ft.wasCancelled(id) {
		t.Fatal("running task was cancelled")
	}
	ft.delegate.DidCompleteWithError(id, nil)
	waitDone(t, running)
	if running.Err() != nil {
		t.Fatalf("err = %v", running.Err())
	}
}

func TestTaskSvc_InvalidateCancelsPending(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	var gotErr error
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/x"), nil,
		func(_ *DataTask, _ []byte, err error) { gotErr = err })
	_ = svc.Submit(task)
	id := ft.next(t)

	svc.Invalidate(true)
	waitDone(t, task)
	if !ft.wasCancelled(id) || !errors.Is(gotErr, dto.ErrCancelled) {
		t.Fatalf("cancelled %t err %v", ft.wasCancelled(id), gotErr)
	}
}

func TestTaskSvc_FinishEventsHandler(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	finished := make(chan struct{}, 1)
	svc.OnDidFinishEvents(func() { finished <- struct{}{} })
	ft.delegate.DidFinishEvents()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("finish events handler not called")
	}
}

func TestTaskSvc_Factories_Golden(t *testing.T) {
	t.Parallel()

	svc, _ := newTestSvc(t, nil)
	tests := []struct {
		name    string
		create  func() error
		wantErr error
	}{
		{
			name: "nil request",
			create: func() error {
				_, err := svc.DataTask(nil, nil, nil)
				return err
			},
			wantErr: ErrNilRequest,
		},
		{
			name: "unknown scheme",
			create: func() error {
				_, err := svc.DownloadTask(mustRequest(t, http.MethodGet, "gopher://host/x"), nil, nil)
				return err
			},
			wantErr: ErrNoTransport,
		},
		{
			name: "nil upload body",
			create: func() error {
				_, err := svc.UploadTask(mustRequest(t, http.MethodPut, "fake://host/x"), nil, nil, nil)
				return err
			},
			wantErr: ErrNilBody,
		},
		{
			name: "unreadable resume data",
			create: func() error {
				_, err := svc.DownloadTaskWithResumeData(context.Background(), []byte("junk"), nil, nil)
				return err
			},
			wantErr: ErrResumeDataUnread,
		},
		{
			name: "scheme match ignores case",
			create: func() error {
				_, err := svc.DataTask(mustRequest(t, http.MethodGet, "FAKE://host/x"), nil, nil)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.create()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskSvc_State(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/x"), nil, nil)
	_ = svc.Submit(task)
	id := ft.next(t)

	state := svc.State()
	if state.SessionID == "" || state.SessionID != svc.SessionID() {
		t.Fatalf("session id = %q", state.SessionID)
	}
	if !slices.Contains(state.Transports, "fake") || !slices.Contains(state.Transports, dto.NET_HTTP_TRANSPORT_REF) {
		t.Fatalf("transports = %v", state.Transports)
	}
	if state.InFlight != 1 {
		t.Fatalf("in flight = %d", state.InFlight)
	}
	if _, ok := svc.Transport("fake"); !ok {
		t.Fatal("fake transport not found by ref")
	}

	ft.delegate.DidCompleteWithError(id, nil)
	waitDone(t, task)
}

func TestTaskSvc_HydrateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultTaskSvcConfig()
	cfg.WithRelay(testRelay()).WithDownloadDir("").WithMaxConcurrent(-1)
	svc := NewTaskSvc(&cfg)
	if err := svc.Hydrate(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
}
