package netmux

import (
	"bytes"
	"net/http"

	"github.com/joy-dx/netmux/dto"
)

// DataTask receives a response body in memory, or hands every chunk to the
// caller when a data handler is set.
type DataTask struct {
	RequestTask

	buf      bytes.Buffer
	received int64
	expected int64
	response *http.Response

	onComplete       CompletionHandler
	onProgress       ProgressHandler
	onData           DataHandler
	onResponse       ResponseHandler
	onWillCache      WillCacheHandler
	onBecomeDownload BecomeDownloadHandler
}

func newDataTask(svc *TaskSvc, transport dto.Transport, req *http.Request) *DataTask {
	t := &DataTask{expected: dto.UnknownLength}
	t.init(svc, transport, dto.TaskSpec{Kind: dto.TaskKindData, Request: req}, t, t)
	return t
}

func (t *DataTask) dataTask() *DataTask { return t }

// Progress returns the bytes received so far and the expected total, which
// is dto.UnknownLength when the transport could not tell.
func (t *DataTask) Progress() (expected, received int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected, t.received
}

// Response is the last response reported for the task, nil before headers arrived.
func (t *DataTask) Response() *http.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

func (t *DataTask) OnComplete(h CompletionHandler) {
	t.mu.Lock()
	t.onComplete = h
	t.mu.Unlock()
}

func (t *DataTask) OnProgress(h ProgressHandler) {
	t.mu.Lock()
	t.onProgress = h
	t.mu.Unlock()
}

// OnData switches the task to raw chunk delivery. The body is no longer
// accumulated and completion receives an empty payload.
func (t *DataTask) OnData(h DataHandler) {
	t.mu.Lock()
	t.onData = h
	t.mu.Unlock()
}

func (t *DataTask) OnResponse(h ResponseHandler) {
	t.mu.Lock()
	t.onResponse = h
	t.mu.Unlock()
}

func (t *DataTask) OnWillCache(h WillCacheHandler) {
	t.mu.Lock()
	t.onWillCache = h
	t.mu.Unlock()
}

// OnBecomeDownload must be set whenever the response may be promoted to a
// download; without it the download runs unobserved.
func (t *DataTask) OnBecomeDownload(h BecomeDownloadHandler) {
	t.mu.Lock()
	t.onBecomeDownload = h
	t.mu.Unlock()
}

func (t *DataTask) didReceiveResponse(resp *http.Response, completion func(dto.ResponseDisposition)) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		completion(dto.ResponseCancel)
		return
	}
	t.response = resp
	if resp != nil {
		t.expected = resp.ContentLength
	}
	h, executor := t.onResponse, t.executor
	t.mu.Unlock()

	if h == nil {
		completion(dto.ResponseAllow)
		return
	}
	executor.Execute(func() { h(t, resp, completion) })
}

func (t *DataTask) didReceiveData(chunk []byte) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		return
	}
	onData, onProgress, executor := t.onData, t.onProgress, t.executor
	if onData == nil {
		t.buf.Write(chunk)
	}
	t.received += int64(len(chunk))
	expected, received := t.expected, t.received
	t.mu.Unlock()

	t.publish("receiving", false)
	if onData == nil && onProgress == nil {
		return
	}
	// the chunk may be reused by the transport once this call returns
	owned := append([]byte(nil), chunk...)
	executor.Execute(func() {
		if onData != nil {
			onData(t, owned, expected, received)
		}
		if onProgress != nil {
			onProgress(t, expected, received)
		}
	})
}

func (t *DataTask) willCacheResponse(proposed *dto.CachedResponse, completion func(*dto.CachedResponse)) {
	t.mu.Lock()
	h, executor := t.onWillCache, t.executor
	t.mu.Unlock()

	if h == nil {
		completion(proposed)
		return
	}
	executor.Execute(func() { h(t, proposed, completion) })
}

// becameDownload finishes the data task successfully; the transport reports
// nothing more for its identifier.
func (t *DataTask) becameDownload(download *DownloadTask) {
	t.mu.Lock()
	h, executor := t.onBecomeDownload, t.executor
	t.mu.Unlock()

	if h != nil && download != nil {
		executor.Execute(func() { h(t, download) })
	}
	t.complete(nil)
}

func (t *DataTask) hasBecomeDownloadHandler() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onBecomeDownload != nil
}

func (t *DataTask) finalizeLocked(err error) error { return err }

// completionLocked snapshots the payload now but resolves the handler when
// the executor delivers it, so handlers set by earlier queued callbacks apply.
func (t *DataTask) completionLocked(err error) func() {
	var data []byte
	if err == nil {
		data = []byte{}
		if t.onData == nil && t.buf.Len() > 0 {
			data = bytes.Clone(t.buf.Bytes())
		}
	}
	return func() {
		t.mu.Lock()
		h := t.onComplete
		t.mu.Unlock()
		if h != nil {
			h(t, data, err)
		}
	}
}

func (t *DataTask) describeLocked(n *dto.TaskNotification) {
	n.Transferred = t.received
	n.Expected = t.expected
}
