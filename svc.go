package netmux

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/joy-dx/netmux/config"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
)

var ErrNoTransport = errors.New("no transport for scheme")

// TaskSvc turns the delegate driven transports into independently observable,
// independently cancellable tasks.
type TaskSvc struct {
	cfg        *config.TaskSvcConfig
	relay      relayDTO.RelayInterface
	sessionID  string
	seq        dto.TaskIDSequence
	executor   dto.Executor
	mainQueue  *SerialQueue
	registry   *TaskRegistry
	dispatcher *SessionDispatcher
	queue      *TaskQueue
	ledger     *taskLedger

	muTransports sync.RWMutex
	transports   []dto.Transport
	byScheme     map[string]dto.Transport

	muHandlers sync.RWMutex
	mgr        managerHandlers

	muListeners    sync.Mutex
	listenersByURL map[string][]chan dto.TaskNotification
}

// managerHandlers answer events whose identifier no task owns.
type managerHandlers struct {
	credential       *dto.Credential
	onChallenge      ManagerChallengeHandler
	onRedirect       ManagerRedirectHandler
	onInvalid        InvalidHandler
	onFinishEvents   FinishEventsHandler
	onFinishDownload FinishDownloadHandler
	onComplete       CompleteHandler
}

func (s *TaskSvc) handlers() managerHandlers {
	s.muHandlers.RLock()
	defer s.muHandlers.RUnlock()
	return s.mgr
}

// RegisterTransport binds t to the service. Its schemes take precedence over
// transports registered before it.
func (s *TaskSvc) RegisterTransport(t dto.Transport) {
	t.Bind(s.dispatcher, &s.seq)

	s.muTransports.Lock()
	s.transports = append(s.transports, t)
	for _, scheme := range t.Schemes() {
		s.byScheme[strings.ToLower(scheme)] = t
	}
	s.muTransports.Unlock()

	s.relay.Debug(relays.RlyNetLog{Ref: t.Ref(), Msg: "transport registered"})
}

func (s *TaskSvc) Transport(ref string) (dto.Transport, bool) {
	s.muTransports.RLock()
	defer s.muTransports.RUnlock()
	for _, t := range s.transports {
		if t.Ref() == ref {
			return t, true
		}
	}
	return nil, false
}

func (s *TaskSvc) transportFor(u *url.URL) (dto.Transport, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: missing url", ErrNoTransport)
	}
	s.muTransports.RLock()
	defer s.muTransports.RUnlock()
	t, ok := s.byScheme[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoTransport, u.Scheme)
	}
	return t, nil
}

func (s *TaskSvc) handlesScheme(scheme string) bool {
	s.muTransports.RLock()
	defer s.muTransports.RUnlock()
	_, ok := s.byScheme[scheme]
	return ok
}

func (s *TaskSvc) SessionID() string { return s.sessionID }

func (s *TaskSvc) Executor() dto.Executor { return s.executor }

func (s *TaskSvc) Registry() *TaskRegistry { return s.registry }

func (s *TaskSvc) Queue() *TaskQueue { return s.queue }

// Ledger returns the last recorded view of a task, including tasks that
// finished before a restart when a ledger path is configured.
func (s *TaskSvc) Ledger(id dto.TaskID) (dto.TaskNotification, bool) {
	return s.ledger.get(id)
}

// SetCredential answers challenges for tasks that do not answer them.
func (s *TaskSvc) SetCredential(cred *dto.Credential) {
	s.muHandlers.Lock()
	s.mgr.credential = cred
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnChallenge(h ManagerChallengeHandler) {
	s.muHandlers.Lock()
	s.mgr.onChallenge = h
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnRedirect(h ManagerRedirectHandler) {
	s.muHandlers.Lock()
	s.mgr.onRedirect = h
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnDidBecomeInvalid(h InvalidHandler) {
	s.muHandlers.Lock()
	s.mgr.onInvalid = h
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnDidFinishEvents(h FinishEventsHandler) {
	s.muHandlers.Lock()
	s.mgr.onFinishEvents = h
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnDidFinishDownloading(h FinishDownloadHandler) {
	s.muHandlers.Lock()
	s.mgr.onFinishDownload = h
	s.muHandlers.Unlock()
}

func (s *TaskSvc) OnDidComplete(h CompleteHandler) {
	s.muHandlers.Lock()
	s.mgr.onComplete = h
	s.muHandlers.Unlock()
}

// TaskListener returns a channel of updates for every task fetching sourceURL
func (s *TaskSvc) TaskListener(sourceURL string) (<-chan dto.TaskNotification, func()) {
	s.muListeners.Lock()
	defer s.muListeners.Unlock()

	ch := make(chan dto.TaskNotification, 10)
	s.listenersByURL[sourceURL] = append(s.listenersByURL[sourceURL], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.muListeners.Lock()
			defer s.muListeners.Unlock()

			chans := s.listenersByURL[sourceURL]
			out := chans[:0]
			found := false
			for _, c := range chans {
				if c != ch {
					out = append(out, c)
				} else {
					found = true
				}
			}
			if len(out) == 0 {
				delete(s.listenersByURL, sourceURL)
			} else {
				s.listenersByURL[sourceURL] = out
			}
			if found {
				close(ch)
			}
		})
	}

	return ch, unsub
}

// TaskListenerClose closes all channels for a given URL manually
func (s *TaskSvc) TaskListenerClose(sourceURL string) {
	s.muListeners.Lock()
	defer s.muListeners.Unlock()
	if chans, ok := s.listenersByURL[sourceURL]; ok {
		for _, c := range chans {
			close(c)
		}
		delete(s.listenersByURL, sourceURL)
	}
}

// Invalidate stops every transport. With cancelPending running tasks are
// cancelled, otherwise they finish normally. New submissions are rejected.
func (s *TaskSvc) Invalidate(cancelPending bool) {
	s.queue.Shutdown()
	if cancelPending {
		s.queue.CancelAll()
	}

	s.muTransports.RLock()
	transports := append([]dto.Transport(nil), s.transports...)
	s.muTransports.RUnlock()
	for _, t := range transports {
		t.Invalidate(cancelPending)
	}
	s.relay.Info(relays.RlyNetLog{Msg: fmt.Sprintf("session invalidated (cancel pending: %t)", cancelPending)})
}

// Close cancels everything, waits for the completions to be delivered and
// stops the main queue.
func (s *TaskSvc) Close(ctx context.Context) error {
	s.Invalidate(true)
	if err := s.queue.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	if s.mainQueue != nil {
		s.mainQueue.Close()
	}
	return nil
}
