package netmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/joy-dx/netmux/dto"
)

var (
	ErrNilRequest       = errors.New("nil request provided")
	ErrNilBody          = errors.New("nil body source provided")
	ErrResumeDataUnread = errors.New("no transport understands the resume data")
)

func (s *TaskSvc) transportForRequest(req *http.Request) (dto.Transport, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	return s.transportFor(req.URL)
}

// DataTask creates a pending task keeping the response body in memory.
func (s *TaskSvc) DataTask(req *http.Request, progress ProgressHandler, completion CompletionHandler) (*DataTask, error) {
	transport, err := s.transportForRequest(req)
	if err != nil {
		return nil, err
	}
	t := newDataTask(s, transport, req)
	t.onProgress = progress
	t.onComplete = completion
	return t, nil
}

// DownloadTask creates a pending task writing the response body to a file.
func (s *TaskSvc) DownloadTask(req *http.Request, write WriteHandler, finish FinishHandler) (*DownloadTask, error) {
	transport, err := s.transportForRequest(req)
	if err != nil {
		return nil, err
	}
	t := newDownloadTask(s, transport, req, nil)
	t.onWrite = write
	t.onFinish = finish
	return t, nil
}

// DownloadTaskWithResumeData continues a download from the blob a cancelled
// DownloadTask exposed through ResumeData.
func (s *TaskSvc) DownloadTaskWithResumeData(ctx context.Context, data []byte, write WriteHandler, finish FinishHandler) (*DownloadTask, error) {
	s.muTransports.RLock()
	transports := append([]dto.Transport(nil), s.transports...)
	s.muTransports.RUnlock()

	var errs []error
	for _, transport := range transports {
		decoder, ok := transport.(dto.ResumeDataDecoder)
		if !ok {
			continue
		}
		req, err := decoder.RequestFromResumeData(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", transport.Ref(), err))
			continue
		}
		t := newDownloadTask(s, transport, req, data)
		t.onWrite = write
		t.onFinish = finish
		return t, nil
	}
	return nil, errors.Join(append([]error{ErrResumeDataUnread}, errs...)...)
}

// UploadTask creates a pending task sending body. The request body is ignored.
func (s *TaskSvc) UploadTask(req *http.Request, body *dto.BodySource, sendProgress SendProgressHandler, completion UploadCompletionHandler) (*UploadTask, error) {
	if body == nil {
		return nil, ErrNilBody
	}
	transport, err := s.transportForRequest(req)
	if err != nil {
		return nil, err
	}
	t := newUploadTask(s, transport, req, body)
	t.onSendProgress = sendProgress
	t.onComplete = t.wrapCompletion(completion)
	return t, nil
}

// Submit queues a pending task. It starts once the queue has a free slot.
func (s *TaskSvc) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if task.base().svc != s {
		return errors.New("task belongs to another service")
	}
	return s.queue.Add(task)
}
