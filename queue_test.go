package netmux

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/joy-dx/netmux/config"
	"github.com/joy-dx/netmux/dto"
)

func TestTaskQueue_HonoursLimit(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, func(cfg *config.TaskSvcConfig) { cfg.WithMaxConcurrent(1) })

	first, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/1"), nil, nil)
	second, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/2"), nil, nil)
	if err := svc.Submit(first); err != nil {
		t.Fatal(err)
	}
	firstID := ft.next(t)
	if err := svc.Submit(second); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-ft.resumed:
		t.Fatalf("task %s started while the slot was taken", id)
	case <-time.After(100 * time.Millisecond):
	}
	if second.State() != dto.TaskPending || svc.Queue().Len() != 2 {
		t.Fatalf("second = %s, queue len %d", second.State(), svc.Queue().Len())
	}

	ft.delegate.DidCompleteWithError(firstID, nil)
	secondID := ft.next(t)
	if secondID == firstID {
		t.Fatal("identifier reused")
	}
	ft.delegate.DidCompleteWithError(secondID, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Queue().WaitN(ctx, 2); err != nil {
		t.Fatalf("WaitN: %v", err)
	}
	if err := svc.Queue().Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if svc.Queue().Finished() != 2 || svc.Queue().Len() != 0 {
		t.Fatalf("finished %d, len %d", svc.Queue().Finished(), svc.Queue().Len())
	}
}

func TestTaskQueue_CancelWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, func(cfg *config.TaskSvcConfig) { cfg.WithMaxConcurrent(1) })

	running, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/running"), nil, nil)
	waiting, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/waiting"), nil, nil)
	_ = svc.Submit(running)
	id := ft.next(t)
	_ = svc.Submit(waiting)

	waiting.Cancel()
	waitDone(t, waiting)
	if waiting.State() != dto.TaskCancelled || waiting.ID() != 0 {
		t.Fatalf("waiting = %s/%s", waiting.State(), waiting.ID())
	}

	ft.delegate.DidCompleteWithError(id, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svc.Queue().Wait(ctx)
	if !errors.Is(err, dto.ErrCancelled) {
		t.Fatalf("Wait err = %v, want joined cancellation", err)
	}
	select {
	case id := <-ft.resumed:
		t.Fatalf("cancelled task %s reached the transport", id)
	default:
	}
}

func TestTaskQueue_RejectsDoubleSubmit(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/x"), nil, nil)
	if err := svc.Submit(task); err != nil {
		t.Fatal(err)
	}
	if err := svc.Submit(task); !errors.Is(err, ErrTaskNotPending) {
		t.Fatalf("second submit err = %v", err)
	}
	if err := svc.Submit(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("nil submit err = %v", err)
	}

	other, _ := newTestSvc(t, nil)
	foreign, _ := other.DataTask(mustRequest(t, http.MethodGet, "fake://host/y"), nil, nil)
	if err := svc.Submit(foreign); err == nil {
		t.Fatal("submitted a task of another service")
	}

	id := ft.next(t)
	ft.delegate.DidCompleteWithError(id, nil)
	waitDone(t, task)
}

func TestTaskQueue_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/slow"), nil, nil)
	_ = svc.Submit(task)
	id := ft.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Queue().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}
	if err := svc.Queue().WaitN(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitN err = %v", err)
	}

	ft.delegate.DidCompleteWithError(id, nil)
	waitDone(t, task)
}
