package netmux

import (
	"io"
	"net/http"

	"github.com/joy-dx/netmux/dto"
)

// UploadTask sends an immutable body and otherwise behaves like a DataTask.
type UploadTask struct {
	DataTask

	body *dto.BodySource
}

func newUploadTask(svc *TaskSvc, transport dto.Transport, req *http.Request, body *dto.BodySource) *UploadTask {
	t := &UploadTask{body: body}
	t.expected = dto.UnknownLength
	spec := dto.TaskSpec{Kind: dto.TaskKindUpload, Request: req, Body: body}
	t.init(svc, transport, spec, t, t)
	t.totalBytesExpToSend = body.Len()
	return t
}

func (t *UploadTask) Body() *dto.BodySource { return t.body }

// OnComplete receives the response body, with the upload task itself.
func (t *UploadTask) OnComplete(h UploadCompletionHandler) {
	t.DataTask.OnComplete(t.wrapCompletion(h))
}

// OnProgress reports the response body being received.
func (t *UploadTask) OnProgress(h UploadProgressHandler) {
	var wrapped ProgressHandler
	if h != nil {
		wrapped = func(_ *DataTask, expected, received int64) { h(t, expected, received) }
	}
	t.DataTask.OnProgress(wrapped)
}

func (t *UploadTask) wrapCompletion(h UploadCompletionHandler) CompletionHandler {
	if h == nil {
		return nil
	}
	return func(_ *DataTask, data []byte, err error) { h(t, data, err) }
}

// needNewBody reopens replayable sources itself; one-shot streams need the
// caller's handler.
func (t *UploadTask) needNewBody(completion func(io.ReadCloser)) {
	if t.body.Replayable() {
		rc, err := t.body.Open()
		if err != nil {
			t.svc.relay.Warn(t.event("need_new_body", "reopen body: "+err.Error()))
			completion(nil)
			return
		}
		completion(rc)
		return
	}
	t.RequestTask.needNewBody(completion)
}

func (t *UploadTask) describeLocked(n *dto.TaskNotification) {
	if t.received == 0 && t.response == nil {
		n.Transferred = t.bytesSent
		n.Expected = t.totalBytesExpToSend
		return
	}
	t.DataTask.describeLocked(n)
}
