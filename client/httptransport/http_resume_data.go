package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrForeignResumeData = errors.New("resume data was produced by another transport")

// resumeState is the content of the opaque resume data blob.
type resumeState struct {
	Transport    string      `json:"transport"`
	URL          string      `json:"url"`
	Header       http.Header `json:"header,omitempty"`
	TempPath     string      `json:"temp_path"`
	Offset       int64       `json:"offset"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
}

func decodeResumeState(ref string, data []byte) (*resumeState, error) {
	var state resumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode resume data: %w", err)
	}
	if state.Transport != ref {
		return nil, ErrForeignResumeData
	}
	return &state, nil
}

// interruptedError is reported when a download is cancelled after bytes were
// written. It carries what is needed to continue later.
type interruptedError struct {
	err    error
	resume []byte
}

func (e *interruptedError) Error() string { return "download interrupted: " + e.err.Error() }

func (e *interruptedError) Unwrap() error { return e.err }

func (e *interruptedError) ResumeData() []byte { return e.resume }

// RequestFromResumeData rebuilds the GET request a resume blob continues.
func (t *HTTPTransport) RequestFromResumeData(ctx context.Context, data []byte) (*http.Request, error) {
	state, err := decodeResumeState(t.ref, data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range state.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	return req, nil
}
