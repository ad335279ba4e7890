package netmux

import (
	"io"
	"net/http"
	"sync"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
)

var _ dto.SessionDelegate = (*SessionDispatcher)(nil)

// SessionDispatcher is the delegate every transport reports to. It routes each
// event to the task owning the identifier and falls back to the manager
// handlers for identifiers nobody owns.
type SessionDispatcher struct {
	svc *TaskSvc
}

func newSessionDispatcher(svc *TaskSvc) *SessionDispatcher {
	return &SessionDispatcher{svc: svc}
}

type dataReceiver interface {
	dataTask() *DataTask
}

type bodyProvider interface {
	needNewBody(completion func(io.ReadCloser))
}

func (d *SessionDispatcher) lookup(id dto.TaskID) (Task, bool) {
	return d.svc.registry.Lookup(id)
}

func (d *SessionDispatcher) dataTask(id dto.TaskID) (*DataTask, bool) {
	task, ok := d.lookup(id)
	if !ok {
		return nil, false
	}
	dr, ok := task.(dataReceiver)
	if !ok {
		return nil, false
	}
	return dr.dataTask(), true
}

func (d *SessionDispatcher) downloadTask(id dto.TaskID) (*DownloadTask, bool) {
	task, ok := d.lookup(id)
	if !ok {
		return nil, false
	}
	dl, ok := task.(*DownloadTask)
	return dl, ok
}

func (d *SessionDispatcher) orphan(id dto.TaskID, event string) {
	d.svc.relay.Debug(relays.RlyTaskEvent{
		ID:     id,
		Event:  event,
		Orphan: true,
		Msg:    "no task owns identifier, using manager default",
	})
}

func (d *SessionDispatcher) DidReceiveResponse(id dto.TaskID, resp *http.Response, completion func(dto.ResponseDisposition)) {
	completion = callOnce(completion)
	if dt, ok := d.dataTask(id); ok {
		dt.didReceiveResponse(resp, completion)
		return
	}
	if _, ok := d.lookup(id); !ok {
		d.orphan(id, "response")
	}
	completion(dto.ResponseAllow)
}

func (d *SessionDispatcher) DidReceiveData(id dto.TaskID, chunk []byte) {
	if dt, ok := d.dataTask(id); ok {
		dt.didReceiveData(chunk)
		return
	}
	d.orphan(id, "data")
}

func (d *SessionDispatcher) WillCacheResponse(id dto.TaskID, proposed *dto.CachedResponse, completion func(*dto.CachedResponse)) {
	completion = callOnce(completion)
	if dt, ok := d.dataTask(id); ok {
		dt.willCacheResponse(proposed, completion)
		return
	}
	completion(proposed)
}

// DidBecomeDownloadTask registers a DownloadTask for downloadID only when the
// data task wants to hear about it. The data task finishes either way.
func (d *SessionDispatcher) DidBecomeDownloadTask(id dto.TaskID, downloadID dto.TaskID) {
	dt, ok := d.dataTask(id)
	if !ok {
		d.orphan(id, "become_download")
		return
	}

	var download *DownloadTask
	if dt.hasBecomeDownloadHandler() {
		download = newDownloadTask(d.svc, dt.transport, dt.req, nil)
		download.SetExecutor(dt.executorSnapshot())
		if err := download.adopt(downloadID); err != nil {
			d.svc.relay.Warn(relays.RlyTaskEvent{ID: downloadID, Event: "become_download", Msg: err.Error()})
			download = nil
		}
	}
	dt.becameDownload(download)
}

func (d *SessionDispatcher) WillPerformRedirect(id dto.TaskID, resp *http.Response, next *http.Request, completion func(*http.Request)) {
	completion = callOnce(completion)
	if task, ok := d.lookup(id); ok {
		task.base().redirect(resp, next, completion)
		return
	}
	h := d.svc.handlers().onRedirect
	if h == nil {
		completion(next)
		return
	}
	d.svc.executor.Execute(func() { h(id, resp, next, completion) })
}

func (d *SessionDispatcher) DidReceiveChallenge(id dto.TaskID, challenge *dto.Challenge, completion func(dto.ChallengeDisposition, *dto.Credential)) {
	completion = callOnce2(completion)
	if task, ok := d.lookup(id); ok && task.RespondsToChallenge() {
		task.base().challenge(challenge, completion)
		return
	}

	handlers := d.svc.handlers()
	switch {
	case handlers.onChallenge != nil:
		h := handlers.onChallenge
		d.svc.executor.Execute(func() { h(id, challenge, completion) })
	case handlers.credential != nil && challenge.PreviousFailureCount == 0:
		completion(dto.ChallengeUseCredential, handlers.credential)
	default:
		completion(dto.ChallengePerformDefaultHandling, nil)
	}
}

func (d *SessionDispatcher) DidSendBodyData(id dto.TaskID, bytesSent, totalBytesSent, totalBytesExpectedToSend int64) {
	if task, ok := d.lookup(id); ok {
		task.base().didSendBodyData(bytesSent, totalBytesSent, totalBytesExpectedToSend)
		return
	}
	d.orphan(id, "send_body")
}

func (d *SessionDispatcher) NeedNewBodyStream(id dto.TaskID, completion func(io.ReadCloser)) {
	completion = callOnce(completion)
	task, ok := d.lookup(id)
	if !ok {
		d.orphan(id, "need_new_body")
		completion(nil)
		return
	}
	if bp, ok := task.(bodyProvider); ok {
		bp.needNewBody(completion)
		return
	}
	task.base().needNewBody(completion)
}

func (d *SessionDispatcher) DidWriteData(id dto.TaskID, bytesWritten, totalBytesWritten, totalBytesExpectedToWrite int64) {
	if dl, ok := d.downloadTask(id); ok {
		dl.didWriteData(bytesWritten, totalBytesWritten, totalBytesExpectedToWrite)
		return
	}
	d.orphan(id, "write")
}

func (d *SessionDispatcher) DidResumeAtOffset(id dto.TaskID, offset, expectedTotalBytes int64) {
	if dl, ok := d.downloadTask(id); ok {
		dl.didResumeAtOffset(offset, expectedTotalBytes)
		return
	}
	d.orphan(id, "resume")
}

func (d *SessionDispatcher) DidFinishDownloading(id dto.TaskID, location string) {
	if dl, ok := d.downloadTask(id); ok {
		dl.didFinishDownloading(location)
		return
	}
	d.orphan(id, "finish_downloading")
	d.svc.recordOrphan(id, location, nil, false)
	if h := d.svc.handlers().onFinishDownload; h != nil {
		d.svc.executor.Execute(func() { h(id, location) })
	}
}

func (d *SessionDispatcher) DidCompleteWithError(id dto.TaskID, err error) {
	if task, ok := d.lookup(id); ok {
		task.base().complete(err)
		return
	}
	d.orphan(id, "complete")
	d.svc.recordOrphan(id, "", err, true)
	if h := d.svc.handlers().onComplete; h != nil {
		d.svc.executor.Execute(func() { h(id, err) })
	}
}

func (d *SessionDispatcher) DidBecomeInvalid(err error) {
	msg := "transport invalidated"
	if err != nil {
		msg += ": " + err.Error()
	}
	d.svc.relay.Info(relays.RlyNetLog{Msg: msg})
	if h := d.svc.handlers().onInvalid; h != nil {
		d.svc.executor.Execute(func() { h(err) })
	}
}

func (d *SessionDispatcher) DidFinishEvents() {
	if h := d.svc.handlers().onFinishEvents; h != nil {
		d.svc.executor.Execute(h)
	}
}

func callOnce[T any](fn func(T)) func(T) {
	var once sync.Once
	return func(v T) {
		once.Do(func() { fn(v) })
	}
}

func callOnce2[A, B any](fn func(A, B)) func(A, B) {
	var once sync.Once
	return func(a A, b B) {
		once.Do(func() { fn(a, b) })
	}
}
