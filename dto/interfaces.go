package dto

import (
	"context"
	"io"
	"net/http"
)

// Transport performs the actual network I/O for tasks and reports every
// lifecycle event to the bound SessionDelegate, keyed by TaskID.
//
// CreateTask must not start any I/O; the operation only begins once Resume is
// called so that the owner can register the identifier before the first event
// can possibly arrive.
type Transport interface {
	Ref() string
	// Schemes lists the URL schemes this transport serves, e.g. "http", "https".
	Schemes() []string
	Bind(delegate SessionDelegate, seq *TaskIDSequence)
	CreateTask(ctx context.Context, spec TaskSpec) (TaskID, error)
	Resume(id TaskID) error
	// Cancel is cooperative: the transport still reports completion for id,
	// carrying a cancellation error.
	Cancel(id TaskID)
	// Invalidate stops accepting new tasks. With cancelPending in-flight
	// tasks are cancelled, otherwise they are allowed to finish. DidBecomeInvalid
	// is reported once every task has completed.
	Invalidate(cancelPending bool)
}

// SessionDelegate is the single callback surface a Transport reports to.
// Decision events hand over a completion func which must be called exactly once.
type SessionDelegate interface {
	DidReceiveResponse(id TaskID, resp *http.Response, completion func(ResponseDisposition))
	DidReceiveData(id TaskID, chunk []byte)
	WillCacheResponse(id TaskID, proposed *CachedResponse, completion func(*CachedResponse))
	DidBecomeDownloadTask(id TaskID, downloadID TaskID)
	WillPerformRedirect(id TaskID, resp *http.Response, next *http.Request, completion func(*http.Request))
	DidReceiveChallenge(id TaskID, challenge *Challenge, completion func(ChallengeDisposition, *Credential))
	DidSendBodyData(id TaskID, bytesSent, totalBytesSent, totalBytesExpectedToSend int64)
	NeedNewBodyStream(id TaskID, completion func(io.ReadCloser))
	DidWriteData(id TaskID, bytesWritten, totalBytesWritten, totalBytesExpectedToWrite int64)
	DidResumeAtOffset(id TaskID, offset, expectedTotalBytes int64)
	DidFinishDownloading(id TaskID, location string)
	DidCompleteWithError(id TaskID, err error)

	DidBecomeInvalid(err error)
	DidFinishEvents()
}

// Executor is the execution context handlers are marshaled onto.
type Executor interface {
	Execute(fn func())
}

// ResumeDataCarrier is implemented by cancellation errors of download tasks
// which can be restarted later. The blob is opaque to everything but the
// transport that produced it.
type ResumeDataCarrier interface {
	ResumeData() []byte
}

// ResumeDataDecoder is implemented by transports whose resume data can be
// turned back into the request it continues.
type ResumeDataDecoder interface {
	RequestFromResumeData(ctx context.Context, data []byte) (*http.Request, error)
}
