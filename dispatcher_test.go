package netmux

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joy-dx/netmux/dto"
)

func TestDispatcher_ConcurrentTasksStayIsolated(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)

	results := make(map[string]string)
	newTask := func(name string) *DataTask {
		task, err := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/"+name), nil,
			func(_ *DataTask, data []byte, _ error) {
				results[name] = string(data)
			})
		if err != nil {
			t.Fatalf("DataTask: %v", err)
		}
		return task
	}
	a, b := newTask("a"), newTask("b")
	_ = svc.Submit(a)
	_ = svc.Submit(b)

	ids := []dto.TaskID{ft.next(t), ft.next(t)}
	if ids[0] == ids[1] {
		t.Fatalf("identifiers collide: %v", ids)
	}
	for _, id := range ids {
		owner, ok := svc.Registry().Lookup(id)
		if !ok {
			t.Fatalf("id %s not registered", id)
		}
		payload := "payload-b"
		if owner == a {
			payload = "payload-a"
		}
		ft.delegate.DidReceiveData(id, []byte(payload))
	}
	for _, id := range ids {
		ft.delegate.DidCompleteWithError(id, nil)
	}
	waitDone(t, a)
	waitDone(t, b)

	if results["a"] != "payload-a" || results["b"] != "payload-b" {
		t.Fatalf("results = %v", results)
	}
	if svc.Registry().Len() != 0 {
		t.Fatalf("registry still holds %d tasks", svc.Registry().Len())
	}
}

func TestDispatcher_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	ft.mu.Lock()
	ft.fixedID = 7
	ft.mu.Unlock()

	first, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/1"), nil, nil)
	_ = svc.Submit(first)
	if id := ft.next(t); id != 7 {
		t.Fatalf("id = %s", id)
	}

	ft.mu.Lock()
	ft.manualCancel = true
	ft.mu.Unlock()

	second, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/2"), nil, nil)
	_ = svc.Submit(second)
	waitDone(t, second)
	if !ft.wasCancelled(7) {
		t.Fatal("operation created for the rejected task was not cancelled")
	}

	if !errors.Is(second.Err(), dto.ErrDuplicateRegistration) {
		t.Fatalf("second err = %v", second.Err())
	}
	if owner, ok := svc.Registry().Lookup(7); !ok || owner != first {
		t.Fatal("existing registration was replaced")
	}
	if first.State() != dto.TaskExecuting {
		t.Fatalf("first state = %s", first.State())
	}

	ft.delegate.DidCompleteWithError(7, nil)
	waitDone(t, first)
	if first.Err() != nil {
		t.Fatalf("first err = %v", first.Err())
	}
}

func TestDispatcher_OrphanEventsReachManager(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)

	type completion struct {
		id  dto.TaskID
		err error
	}
	completions := make(chan completion, 4)
	downloads := make(chan string, 4)
	svc.OnDidComplete(func(id dto.TaskID, err error) { completions <- completion{id, err} })
	svc.OnDidFinishDownloading(func(_ dto.TaskID, location string) { downloads <- location })

	// events for an identifier nobody ever owned
	ft.delegate.DidReceiveData(999, []byte("lost"))
	ft.delegate.DidFinishDownloading(999, "/tmp/lost.bin")
	ft.delegate.DidCompleteWithError(999, dto.NewTaskError(0, dto.ErrCancelled, "", nil))

	select {
	case loc := <-downloads:
		if loc != "/tmp/lost.bin" {
			t.Fatalf("location = %q", loc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager finish handler not called")
	}
	select {
	case c := <-completions:
		if c.id != 999 || c.err == nil {
			t.Fatalf("completion = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager completion handler not called")
	}
	n, ok := svc.Ledger(999)
	if !ok || !n.Orphan || n.State != dto.TaskCancelled || n.Location != "/tmp/lost.bin" || n.Kind != dto.TaskKindDownload {
		t.Fatalf("ledger = %+v (%t)", n, ok)
	}

	// late events for a task that already completed
	var calls int
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/late"), nil,
		func(*DataTask, []byte, error) { calls++ })
	_ = svc.Submit(task)
	id := ft.next(t)
	ft.delegate.DidCompleteWithError(id, nil)
	waitDone(t, task)

	ft.delegate.DidReceiveData(id, []byte("late"))
	ft.delegate.DidCompleteWithError(id, nil)
	select {
	case c := <-completions:
		if c.id != id || c.err != nil {
			t.Fatalf("late completion = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late completion not routed to manager")
	}
	if calls != 1 {
		t.Fatalf("task completion ran %d times", calls)
	}
	if _, received := task.Progress(); received != 0 {
		t.Fatalf("late chunk applied: %d bytes", received)
	}
	if n, _ := svc.Ledger(id); !n.Orphan || n.State != dto.TaskFinished {
		t.Fatalf("late ledger = %+v", n)
	}
}

func TestDispatcher_Challenge_Golden(t *testing.T) {
	t.Parallel()

	basic := dto.BasicCredential("user", "secret")
	tests := []struct {
		name        string
		taskCred    bool
		managerCred bool
		failures    int
		want        dto.ChallengeDisposition
		wantCred    bool
	}{
		{name: "nobody answers", want: dto.ChallengePerformDefaultHandling},
		{name: "manager credential", managerCred: true, want: dto.ChallengeUseCredential, wantCred: true},
		{name: "manager credential rejected", managerCred: true, failures: 1, want: dto.ChallengePerformDefaultHandling},
		{name: "task credential", taskCred: true, want: dto.ChallengeUseCredential, wantCred: true},
		{name: "task credential rejected", taskCred: true, failures: 1, want: dto.ChallengeCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, ft := newTestSvc(t, nil)
			if tt.managerCred {
				svc.SetCredential(basic)
			}
			task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/secure"), nil, nil)
			if tt.taskCred {
				task.SetCredential(basic)
			}
			_ = svc.Submit(task)
			id := ft.next(t)

			type answer struct {
				d    dto.ChallengeDisposition
				cred *dto.Credential
			}
			got := make(chan answer, 2)
			ch := &dto.Challenge{Scheme: "Basic", Realm: "test", PreviousFailureCount: tt.failures}
			ft.delegate.DidReceiveChallenge(id, ch, func(d dto.ChallengeDisposition, c *dto.Credential) {
				got <- answer{d, c}
			})
			a := <-got
			if a.d != tt.want || (a.cred != nil) != tt.wantCred {
				t.Fatalf("answer = %v (credential %t), want %v", a.d, a.cred != nil, tt.want)
			}

			task.Cancel()
			waitDone(t, task)
		})
	}
}

func TestDispatcher_TaskChallengeHandler(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	svc.SetCredential(dto.BasicCredential("manager", "x"))
	token := dto.TokenCredential(dto.TokenInfo{AccessToken: "abc"})

	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/secure"), nil, nil)
	task.OnChallenge(func(_ Task, ch *dto.Challenge, completion func(dto.ChallengeDisposition, *dto.Credential)) {
		completion(dto.ChallengeUseCredential, token)
		// a second answer is ignored
		completion(dto.ChallengeCancel, nil)
	})
	_ = svc.Submit(task)
	id := ft.next(t)

	got := make(chan *dto.Credential, 2)
	ft.delegate.DidReceiveChallenge(id, &dto.Challenge{Scheme: "Bearer"}, func(_ dto.ChallengeDisposition, c *dto.Credential) {
		got <- c
	})
	if c := <-got; c != token {
		t.Fatal("task handler answer not used")
	}
	select {
	case <-got:
		t.Fatal("completion called twice")
	case <-time.After(50 * time.Millisecond):
	}

	task.Cancel()
	waitDone(t, task)
}

func TestDispatcher_Redirect(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/old"), nil, nil)
	task.OnRedirect(func(_ Task, _ *http.Response, _ *http.Request, completion func(*http.Request)) {
		completion(nil)
	})
	_ = svc.Submit(task)
	id := ft.next(t)

	next := mustRequest(t, http.MethodGet, "fake://host/new")
	got := make(chan *http.Request, 1)
	ft.delegate.WillPerformRedirect(id, &http.Response{StatusCode: http.StatusFound}, next, func(r *http.Request) { got <- r })
	if r := <-got; r != nil {
		t.Fatal("task refused the redirect but it was followed")
	}

	ft.delegate.WillPerformRedirect(4242, &http.Response{StatusCode: http.StatusFound}, next, func(r *http.Request) { got <- r })
	if r := <-got; r != next {
		t.Fatal("unowned redirect should be followed by default")
	}

	task.Cancel()
	waitDone(t, task)
}

func TestDispatcher_BecomeDownload_Golden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		withHandler bool
	}{
		{name: "observed", withHandler: true},
		{name: "unobserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, ft := newTestSvc(t, nil)

			var (
				dataErr  error
				promoted = make(chan *DownloadTask, 1)
			)
			task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/archive.zip"), nil,
				func(_ *DataTask, _ []byte, err error) { dataErr = err })
			if tt.withHandler {
				task.OnBecomeDownload(func(_ *DataTask, dl *DownloadTask) { promoted <- dl })
			}
			_ = svc.Submit(task)
			id := ft.next(t)

			downloadID := ft.seq.Next()
			ft.delegate.DidBecomeDownloadTask(id, downloadID)
			waitDone(t, task)
			if dataErr != nil || task.State() != dto.TaskFinished {
				t.Fatalf("data task = %s, %v", task.State(), dataErr)
			}

			location := filepath.Join(t.TempDir(), "archive.zip")
			if err := os.WriteFile(location, []byte("zip"), 0o644); err != nil {
				t.Fatal(err)
			}

			if !tt.withHandler {
				if _, ok := svc.Registry().Lookup(downloadID); ok {
					t.Fatal("unobserved download was registered")
				}
				ft.delegate.DidFinishDownloading(downloadID, location)
				ft.delegate.DidCompleteWithError(downloadID, nil)
				return
			}

			var dl *DownloadTask
			select {
			case dl = <-promoted:
			case <-time.After(5 * time.Second):
				t.Fatal("become download handler not called")
			}
			if dl.ID() != downloadID || dl.State() != dto.TaskExecuting || dl.Kind() != dto.TaskKindDownload {
				t.Fatalf("download = %s/%s/%s", dl.ID(), dl.State(), dl.Kind())
			}

			ft.delegate.DidWriteData(downloadID, 3, 3, 3)
			ft.delegate.DidFinishDownloading(downloadID, location)
			ft.delegate.DidCompleteWithError(downloadID, nil)
			waitDone(t, dl)
			if dl.Err() != nil || dl.Location() != location {
				t.Fatalf("download = %q, %v", dl.Location(), dl.Err())
			}
		})
	}
}

func TestDispatcher_BecomeDownloadWithBusyExecutor(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)

	var (
		mu       sync.Mutex
		writes   []int64
		finished = make(chan string, 1)
	)
	task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/disk.img"), nil, nil)
	task.OnBecomeDownload(func(_ *DataTask, dl *DownloadTask) {
		dl.OnWrite(func(_ *DownloadTask, _, total, _ int64) {
			mu.Lock()
			writes = append(writes, total)
			mu.Unlock()
		})
		dl.OnFinish(func(_ *DownloadTask, location string, err error) {
			if err != nil {
				location = "failed: " + err.Error()
			}
			finished <- location
		})
	})
	_ = svc.Submit(task)
	id := ft.next(t)

	location := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(location, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	// hold the executor so every event below is queued behind the handler
	gate := make(chan struct{})
	svc.Executor().Execute(func() { <-gate })

	downloadID := ft.seq.Next()
	ft.delegate.DidBecomeDownloadTask(id, downloadID)
	ft.delegate.DidWriteData(downloadID, 3, 3, 3)
	ft.delegate.DidFinishDownloading(downloadID, location)
	ft.delegate.DidCompleteWithError(downloadID, nil)
	close(gate)

	select {
	case got := <-finished:
		if got != location {
			t.Fatalf("finish location = %q, want %q", got, location)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finish handler set when the download appeared never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 1 || writes[0] != 3 {
		t.Fatalf("writes = %v", writes)
	}
}

func TestDispatcher_TerminalTasksLeaveRegistry(t *testing.T) {
	t.Parallel()

	svc, ft := newTestSvc(t, nil)

	for range 50 {
		task, _ := svc.DataTask(mustRequest(t, http.MethodGet, "fake://host/poll"), nil, nil)
		_ = svc.Submit(task)
		id := ft.next(t)

		stale := make(chan bool, 1)
		go func() {
			for {
				if task.State().IsTerminal() {
					_, still := svc.Registry().Lookup(id)
					stale <- still
					return
				}
			}
		}()
		ft.delegate.DidCompleteWithError(id, nil)
		if <-stale {
			t.Fatalf("task %s terminal but still registered", id)
		}
		waitDone(t, task)
	}
}

func TestTaskRegistry(t *testing.T) {
	t.Parallel()

	r := NewTaskRegistry()
	a := &DataTask{}
	b := &DataTask{}

	if err := r.Register(2, a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(1, b); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(2, b); !errors.Is(err, dto.ErrDuplicateRegistration) {
		t.Fatalf("err = %v", err)
	}
	if tasks := r.Tasks(); len(tasks) != 2 || tasks[0] != b || tasks[1] != a {
		t.Fatal("tasks not ordered by identifier")
	}
	if r.removeOwned(2, b) {
		t.Fatal("removed an entry owned by another task")
	}
	r.Remove(2)
	if _, ok := r.Lookup(2); ok || r.Len() != 1 {
		t.Fatal("remove failed")
	}
}
