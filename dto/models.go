package dto

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	NET_HTTP_TRANSPORT_REF = "http"
	NET_S3_TRANSPORT_REF   = "s3"
)

// UnknownLength is reported for expected totals the transport cannot determine.
const UnknownLength int64 = -1

// TaskID is the transport-assigned identifier of a task. Zero means unassigned.
type TaskID uint64

func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// TaskIDSequence hands out identifiers shared by every transport bound to one service.
type TaskIDSequence struct {
	last atomic.Uint64
}

func (s *TaskIDSequence) Next() TaskID {
	return TaskID(s.last.Add(1))
}

// Seed makes sure later identifiers are greater than floor.
func (s *TaskIDSequence) Seed(floor TaskID) {
	for {
		last := s.last.Load()
		if last >= uint64(floor) || s.last.CompareAndSwap(last, uint64(floor)) {
			return
		}
	}
}

type TaskKind string

const (
	TaskKindData     TaskKind = "data"
	TaskKindDownload TaskKind = "download"
	TaskKindUpload   TaskKind = "upload"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskExecuting TaskState = "executing"
	TaskFinished  TaskState = "finished"
	TaskCancelled TaskState = "cancelled"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskFinished || s == TaskCancelled
}

// ResponseDisposition is the decision taken after the response headers arrived.
type ResponseDisposition int

const (
	ResponseAllow ResponseDisposition = iota
	ResponseCancel
	ResponseBecomeDownload
)

// TaskSpec is what a transport needs to create an operation.
type TaskSpec struct {
	Kind    TaskKind
	Request *http.Request
	// Body is only set for upload tasks.
	Body *BodySource
	// ResumeData restarts a previously cancelled download.
	ResumeData []byte
}

// CachedResponse is a response proposed for storage by the transport's cache.
type CachedResponse struct {
	Response *http.Response
	Body     []byte
	StoredAt time.Time
}

type Response struct {
	StatusCode int
	Headers    http.Header
	// As well as decoding into the caller's object if set, return as bytes
	Body []byte
}

// TaskNotification is the published view of a task, kept in the ledger and fanned out to listeners.
type TaskNotification struct {
	ID      TaskID    `json:"id" yaml:"id"`
	Kind    TaskKind  `json:"kind" yaml:"kind"`
	URL     string    `json:"url" yaml:"url"`
	State   TaskState `json:"state" yaml:"state"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
	// Transferred bytes received, written or sent depending on the kind
	Transferred int64 `json:"transferred,omitempty" yaml:"transferred,omitempty"`
	// Expected total in bytes. The value -1 indicates that the length is unknown
	Expected int64 `json:"expected,omitempty" yaml:"expected,omitempty"`
	// Location of a finished download
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	// Orphan is set when the event arrived for an identifier nobody owned anymore
	Orphan    bool      `json:"orphan,omitempty" yaml:"orphan,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type NetState struct {
	SessionID      string        `json:"net_session_id" yaml:"net_session_id"`
	ExtraHeaders   ExtraHeaders  `json:"net_extra_headers,omitempty" yaml:"net_extra_headers,omitempty"`
	RequestTimeout time.Duration `json:"net_request_timeout,omitempty" yaml:"net_request_timeout,omitempty"`
	UserAgent      string        `json:"net_user_agent,omitempty" yaml:"net_user_agent,omitempty"`
	DownloadDir    string        `json:"net_download_dir,omitempty" yaml:"net_download_dir,omitempty"`
	MaxConcurrent  int           `json:"net_max_concurrent" yaml:"net_max_concurrent"`
	Transports     []string      `json:"net_transports,omitempty" yaml:"net_transports,omitempty"`
	InFlight       int           `json:"net_in_flight" yaml:"net_in_flight"`
	// Tasks ledger of every task the service has seen, keyed by identifier
	Tasks map[TaskID]TaskNotification `json:"net_tasks,omitempty" yaml:"net_tasks,omitempty"`
}
