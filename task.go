package netmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/joy-dx/netmux")

// Task is implemented by *DataTask, *DownloadTask and *UploadTask.
type Task interface {
	ID() dto.TaskID
	Kind() dto.TaskKind
	State() dto.TaskState
	Request() *http.Request
	// Cancel is idempotent and safe from any goroutine.
	Cancel()
	// Done is closed once the completion handler has run.
	Done() <-chan struct{}
	Err() error
	RespondsToChallenge() bool

	base() *RequestTask
}

// taskVariant is the part of the lifecycle that differs per task kind. All
// methods are called with the base mutex held.
type taskVariant interface {
	finalizeLocked(err error) error
	completionLocked(err error) func()
	describeLocked(n *dto.TaskNotification)
}

// RequestTask is the state machine shared by every task kind:
// pending -> executing -> finished | cancelled.
type RequestTask struct {
	svc       *TaskSvc
	transport dto.Transport
	kind      dto.TaskKind
	req       *http.Request
	spec      dto.TaskSpec
	self      Task
	variant   taskVariant
	done      chan struct{}

	mu              sync.Mutex
	id              dto.TaskID
	state           dto.TaskState
	cancelRequested bool
	queued          bool
	err             error
	span            trace.Span

	executor   dto.Executor
	credential *dto.Credential

	onChallenge    ChallengeHandler
	onRedirect     RedirectHandler
	onSendProgress SendProgressHandler
	onNeedBody     NeedBodyHandler

	bytesSent           int64
	totalBytesExpToSend int64
}

func (t *RequestTask) init(svc *TaskSvc, transport dto.Transport, spec dto.TaskSpec, self Task, variant taskVariant) {
	t.svc = svc
	t.transport = transport
	t.kind = spec.Kind
	t.req = spec.Request
	t.spec = spec
	t.self = self
	t.variant = variant
	t.done = make(chan struct{})
	t.state = dto.TaskPending
	t.executor = svc.executor
	t.totalBytesExpToSend = dto.UnknownLength
}

func (t *RequestTask) base() *RequestTask { return t }

func (t *RequestTask) ID() dto.TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *RequestTask) Kind() dto.TaskKind { return t.kind }

func (t *RequestTask) State() dto.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *RequestTask) Request() *http.Request { return t.req }

func (t *RequestTask) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, nil while running or after success.
func (t *RequestTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// RespondsToChallenge reports whether the task answers challenges itself
// rather than leaving them to the manager.
func (t *RequestTask) RespondsToChallenge() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onChallenge != nil || t.credential != nil
}

// SendProgress returns the bytes sent so far and the total expected to send.
func (t *RequestTask) SendProgress() (sent, expected int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesSent, t.totalBytesExpToSend
}

func (t *RequestTask) SetExecutor(executor dto.Executor) {
	if executor == nil {
		return
	}
	t.mu.Lock()
	t.executor = executor
	t.mu.Unlock()
}

func (t *RequestTask) SetCredential(cred *dto.Credential) {
	t.mu.Lock()
	t.credential = cred
	t.mu.Unlock()
}

func (t *RequestTask) OnChallenge(h ChallengeHandler) {
	t.mu.Lock()
	t.onChallenge = h
	t.mu.Unlock()
}

func (t *RequestTask) OnRedirect(h RedirectHandler) {
	t.mu.Lock()
	t.onRedirect = h
	t.mu.Unlock()
}

func (t *RequestTask) OnSendProgress(h SendProgressHandler) {
	t.mu.Lock()
	t.onSendProgress = h
	t.mu.Unlock()
}

func (t *RequestTask) OnNeedNewBody(h NeedBodyHandler) {
	t.mu.Lock()
	t.onNeedBody = h
	t.mu.Unlock()
}

func (t *RequestTask) Cancel() {
	t.mu.Lock()
	switch t.state {
	case dto.TaskPending:
		t.mu.Unlock()
		t.complete(dto.NewTaskError(0, dto.ErrCancelled, "cancelled before start", nil))
	case dto.TaskExecuting:
		if t.cancelRequested {
			t.mu.Unlock()
			return
		}
		t.cancelRequested = true
		id := t.id
		t.mu.Unlock()
		t.svc.relay.Debug(t.event("cancel", "cancel requested"))
		t.transport.Cancel(id)
	default:
		t.mu.Unlock()
	}
}

func (t *RequestTask) context() context.Context {
	if t.req != nil {
		return t.req.Context()
	}
	return context.Background()
}

// markQueued flags the task as handed to a queue, failing if it already was
// or if it is no longer pending.
func (t *RequestTask) markQueued() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != dto.TaskPending || t.queued {
		return ErrTaskNotPending
	}
	t.queued = true
	return nil
}

// start creates the transport operation, registers the task under the new
// identifier and resumes it. A task cancelled while queued is left alone.
func (t *RequestTask) start() {
	t.mu.Lock()
	if t.state != dto.TaskPending {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	id, err := t.transport.CreateTask(t.context(), t.spec)
	if err != nil {
		t.complete(dto.NewTaskError(0, dto.ErrTransport, "create task", err))
		return
	}

	t.mu.Lock()
	if t.state != dto.TaskPending {
		// cancelled while the transport created the operation, which was
		// never resumed and is dropped
		t.mu.Unlock()
		t.transport.Cancel(id)
		return
	}
	t.executingLocked(id)
	t.mu.Unlock()

	if err := t.svc.registry.Register(id, t.self); err != nil {
		t.transport.Cancel(id)
		t.complete(dto.NewTaskError(id, dto.ErrDuplicateRegistration, "", err))
		return
	}
	t.publish("executing", true)

	if err := t.transport.Resume(id); err != nil {
		t.complete(dto.NewTaskError(id, dto.ErrTransport, "resume", err))
	}
}

// adopt makes the task owner of an operation the transport already runs,
// as happens when a data task turns into a download.
func (t *RequestTask) adopt(id dto.TaskID) error {
	t.mu.Lock()
	t.queued = true
	t.executingLocked(id)
	t.mu.Unlock()

	if err := t.svc.registry.Register(id, t.self); err != nil {
		t.complete(dto.NewTaskError(id, dto.ErrDuplicateRegistration, "", err))
		return err
	}
	t.publish("executing", true)
	return nil
}

func (t *RequestTask) executingLocked(id dto.TaskID) {
	t.id = id
	t.state = dto.TaskExecuting
	_, t.span = tracer.Start(t.context(), "netmux."+string(t.kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("netmux.task.id", id.String()),
			attribute.String("netmux.task.kind", string(t.kind)),
			attribute.String("url.full", t.url()),
		),
	)
}

// complete performs the single terminal transition. Later calls are ignored.
func (t *RequestTask) complete(err error) {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return
	}
	id := t.id
	// the registry entry goes with the terminal transition so late events
	// fall through to the manager
	owned := id != 0 && t.svc.registry.removeOwned(id, t.self)
	err = t.variant.finalizeLocked(t.normalizeLocked(err))
	if errors.Is(err, dto.ErrCancelled) {
		t.state = dto.TaskCancelled
	} else {
		t.state = dto.TaskFinished
	}
	t.err = err
	span := t.span
	executor := t.executor
	deliver := t.variant.completionLocked(err)
	t.mu.Unlock()

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	msg := "finished"
	if err != nil {
		msg = err.Error()
	}
	t.publish(msg, owned)

	executor.Execute(func() {
		defer close(t.done)
		deliver()
	})
}

// normalizeLocked maps a transport error onto the error taxonomy.
func (t *RequestTask) normalizeLocked(err error) error {
	if err == nil {
		return nil
	}
	var te *dto.TaskError
	isTaskErr := errors.As(err, &te)
	if isTaskErr && te.TaskID == 0 && t.id != 0 {
		cp := *te
		cp.TaskID = t.id
		te = &cp
	}

	cancelled := t.cancelRequested || errors.Is(err, context.Canceled) || errors.Is(err, dto.ErrCancelled)
	switch {
	case cancelled && isTaskErr && te.Kind == dto.ErrCancelled:
		return te
	case cancelled:
		return dto.NewTaskError(t.id, dto.ErrCancelled, "", err)
	case isTaskErr:
		return te
	default:
		return dto.NewTaskError(t.id, dto.ErrTransport, "", err)
	}
}

// liveLocked reports whether transport events should still be applied.
func (t *RequestTask) liveLocked() bool {
	return t.state == dto.TaskExecuting
}

func (t *RequestTask) didSendBodyData(bytesSent, totalBytesSent, totalBytesExpectedToSend int64) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		return
	}
	if totalBytesSent > t.bytesSent {
		t.bytesSent = totalBytesSent
	}
	t.totalBytesExpToSend = totalBytesExpectedToSend
	total := t.bytesSent
	h, executor := t.onSendProgress, t.executor
	t.mu.Unlock()

	t.publish("sending", false)
	if h != nil {
		executor.Execute(func() { h(t.self, bytesSent, total, totalBytesExpectedToSend) })
	}
}

// challenge answers with the task handler, else with the task credential on
// the first attempt. A rejected credential cancels the authentication.
func (t *RequestTask) challenge(ch *dto.Challenge, completion func(dto.ChallengeDisposition, *dto.Credential)) {
	t.mu.Lock()
	h, cred, executor := t.onChallenge, t.credential, t.executor
	t.mu.Unlock()

	switch {
	case h != nil:
		executor.Execute(func() { h(t.self, ch, completion) })
	case cred != nil && ch.PreviousFailureCount == 0:
		completion(dto.ChallengeUseCredential, cred)
	case cred != nil:
		completion(dto.ChallengeCancel, nil)
	default:
		completion(dto.ChallengePerformDefaultHandling, nil)
	}
}

func (t *RequestTask) redirect(resp *http.Response, next *http.Request, completion func(*http.Request)) {
	t.mu.Lock()
	h, executor := t.onRedirect, t.executor
	t.mu.Unlock()

	if h == nil {
		completion(next)
		return
	}
	executor.Execute(func() { h(t.self, resp, next, completion) })
}

func (t *RequestTask) needNewBody(completion func(io.ReadCloser)) {
	t.mu.Lock()
	h, executor := t.onNeedBody, t.executor
	t.mu.Unlock()

	if h == nil {
		completion(nil)
		return
	}
	executor.Execute(func() { h(t.self, completion) })
}

func (t *RequestTask) executorSnapshot() dto.Executor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executor
}

func (t *RequestTask) url() string {
	if t.req == nil || t.req.URL == nil {
		return ""
	}
	return t.req.URL.String()
}

func (t *RequestTask) notification(msg string) dto.TaskNotification {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := dto.TaskNotification{
		ID:        t.id,
		Kind:      t.kind,
		URL:       t.url(),
		State:     t.state,
		Message:   msg,
		Expected:  dto.UnknownLength,
		UpdatedAt: time.Now(),
	}
	t.variant.describeLocked(&n)
	return n
}

// publish fans the current view out to listeners and, when record is set,
// to the ledger.
func (t *RequestTask) publish(msg string, record bool) {
	t.svc.publishTaskUpdate(t.notification(msg), record)
}

func (t *RequestTask) event(name, msg string) relays.RlyTaskEvent {
	return relays.RlyTaskEvent{ID: t.ID(), Event: name, Msg: msg}
}
