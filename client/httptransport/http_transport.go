package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
	"golang.org/x/net/publicsuffix"
)

var (
	_ dto.Transport         = (*HTTPTransport)(nil)
	_ dto.ResumeDataDecoder = (*HTTPTransport)(nil)
)

var (
	ErrInvalidated    = errors.New("transport invalidated")
	ErrNotBound       = errors.New("transport not bound to a delegate")
	ErrUnknownTask    = errors.New("unknown task")
	ErrAlreadyResumed = errors.New("task already resumed")
)

// HTTPTransport runs tasks over net/http and reports every step to the bound
// delegate. Redirects and authentication challenges are surfaced to the
// delegate rather than handled by http.Client.
type HTTPTransport struct {
	ref    string
	cfg    *HTTPTransportConfig
	relay  relayDTO.RelayInterface
	client *http.Client
	cache  *responseCache

	delegate dto.SessionDelegate
	seq      *dto.TaskIDSequence

	mu          sync.Mutex
	tasks       map[dto.TaskID]*httpTask
	active      int
	invalidated bool
	invalidOnce sync.Once
}

type httpTask struct {
	id         dto.TaskID
	kind       dto.TaskKind
	req        *http.Request
	body       *dto.BodySource
	resumeData []byte

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

func NewHTTPTransport(ref string, cfg *HTTPTransportConfig) (*HTTPTransport, error) {
	rt, err := buildRoundTripper(cfg)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if cfg.CookieJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	t := &HTTPTransport{
		ref:    ref,
		cfg:    cfg,
		relay:  cfg.Relay(),
		client: client,
		tasks:  make(map[dto.TaskID]*httpTask),
	}
	if t.relay == nil {
		t.relay = relays.ProvideDefaultRelay()
	}
	if cfg.CacheEntries > 0 {
		t.cache = newResponseCache(cfg.CacheEntries)
	}
	return t, nil
}

func (t *HTTPTransport) Ref() string { return t.ref }

func (t *HTTPTransport) Schemes() []string { return []string{"http", "https"} }

func (t *HTTPTransport) Bind(delegate dto.SessionDelegate, seq *dto.TaskIDSequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = delegate
	t.seq = seq
}

// CreateTask assigns an identifier without touching the network.
func (t *HTTPTransport) CreateTask(ctx context.Context, spec dto.TaskSpec) (dto.TaskID, error) {
	if spec.Request == nil {
		return 0, errors.New("nil request")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delegate == nil || t.seq == nil {
		return 0, ErrNotBound
	}
	if t.invalidated {
		return 0, ErrInvalidated
	}
	task := t.newTaskLocked(ctx, spec.Kind, spec.Request)
	task.body = spec.Body
	task.resumeData = spec.ResumeData
	return task.id, nil
}

func (t *HTTPTransport) newTaskLocked(ctx context.Context, kind dto.TaskKind, req *http.Request) *httpTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &httpTask{
		id:     t.seq.Next(),
		kind:   kind,
		req:    req,
		ctx:    taskCtx,
		cancel: cancel,
	}
	t.tasks[task.id] = task
	return task
}

func (t *HTTPTransport) Resume(id dto.TaskID) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w %s", ErrUnknownTask, id)
	}
	if !task.started.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return ErrAlreadyResumed
	}
	t.active++
	t.mu.Unlock()

	go t.run(task)
	return nil
}

// Cancel aborts the task. A resumed task still reports completion carrying
// the cancellation error; one never resumed is dropped without events.
func (t *HTTPTransport) Cancel(id dto.TaskID) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if ok && !task.started.Load() {
		delete(t.tasks, id)
	}
	t.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (t *HTTPTransport) Invalidate(cancelPending bool) {
	t.mu.Lock()
	t.invalidated = true
	var toCancel []*httpTask
	if cancelPending {
		for id, task := range t.tasks {
			toCancel = append(toCancel, task)
			if !task.started.Load() {
				delete(t.tasks, id)
			}
		}
	}
	idle := t.active == 0
	t.mu.Unlock()

	for _, task := range toCancel {
		task.cancel()
	}
	if idle {
		t.becomeInvalid()
	}
}

func (t *HTTPTransport) becomeInvalid() {
	t.invalidOnce.Do(func() {
		t.relay.Debug(relays.RlyNetLog{Ref: t.ref, Msg: "transport invalid"})
		t.delegate.DidBecomeInvalid(nil)
	})
}

// InFlight counts resumed tasks that have not reported completion.
func (t *HTTPTransport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// adoptDownload registers the identifier a data task continues under once it
// became a download. The new task shares the original cancellation.
func (t *HTTPTransport) adoptDownload(from *httpTask) *httpTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := &httpTask{
		id:     t.seq.Next(),
		kind:   dto.TaskKindDownload,
		req:    from.req,
		ctx:    from.ctx,
		cancel: from.cancel,
	}
	task.started.Store(true)
	t.tasks[task.id] = task
	return task
}

func (t *HTTPTransport) run(task *httpTask) {
	reported, err := t.perform(task)
	if reported != nil {
		t.delegate.DidCompleteWithError(reported.id, err)
	}
	t.finish(task, reported)
}

func (t *HTTPTransport) finish(tasks ...*httpTask) {
	t.mu.Lock()
	for _, task := range tasks {
		if task == nil {
			continue
		}
		task.cancel()
		delete(t.tasks, task.id)
	}
	t.active--
	idle := t.active == 0
	invalid := t.invalidated
	t.mu.Unlock()

	if idle {
		t.delegate.DidFinishEvents()
		if invalid {
			t.becomeInvalid()
		}
	}
}
