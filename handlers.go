package netmux

import (
	"io"
	"net/http"

	"github.com/joy-dx/netmux/dto"
)

// Task level handlers. Decision handlers receive a completion func which must
// be called exactly once; the transport waits for it.
type (
	CompletionHandler     func(task *DataTask, data []byte, err error)
	ProgressHandler       func(task *DataTask, expected, received int64)
	DataHandler           func(task *DataTask, chunk []byte, expected, received int64)
	ResponseHandler       func(task *DataTask, resp *http.Response, completion func(dto.ResponseDisposition))
	WillCacheHandler      func(task *DataTask, proposed *dto.CachedResponse, completion func(*dto.CachedResponse))
	BecomeDownloadHandler func(task *DataTask, download *DownloadTask)

	ChallengeHandler    func(task Task, challenge *dto.Challenge, completion func(dto.ChallengeDisposition, *dto.Credential))
	RedirectHandler     func(task Task, resp *http.Response, next *http.Request, completion func(*http.Request))
	SendProgressHandler func(task Task, bytesSent, totalBytesSent, totalBytesExpectedToSend int64)
	NeedBodyHandler     func(task Task, completion func(io.ReadCloser))

	UploadCompletionHandler func(task *UploadTask, data []byte, err error)
	UploadProgressHandler   func(task *UploadTask, expected, received int64)

	WriteHandler  func(task *DownloadTask, bytesWritten, totalBytesWritten, totalBytesExpectedToWrite int64)
	ResumeHandler func(task *DownloadTask, offset, expectedTotalBytes int64)
	FinishHandler func(task *DownloadTask, location string, err error)
)

// Manager level handlers receive events for identifiers no task owns.
type (
	ManagerChallengeHandler func(id dto.TaskID, challenge *dto.Challenge, completion func(dto.ChallengeDisposition, *dto.Credential))
	ManagerRedirectHandler  func(id dto.TaskID, resp *http.Response, next *http.Request, completion func(*http.Request))
	InvalidHandler          func(err error)
	FinishEventsHandler     func()
	FinishDownloadHandler   func(id dto.TaskID, location string)
	CompleteHandler         func(id dto.TaskID, err error)
)
