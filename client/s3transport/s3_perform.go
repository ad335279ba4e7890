package s3transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	"github.com/joy-dx/netmux/utils"
)

var ErrForeignResumeData = errors.New("resume data was produced by another transport")

// resumeState is the content of the opaque resume data blob.
type resumeState struct {
	Transport string `json:"transport"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	TempPath  string `json:"temp_path"`
	Offset    int64  `json:"offset"`
	ETag      string `json:"etag,omitempty"`
}

type interruptedError struct {
	err    error
	resume []byte
}

func (e *interruptedError) Error() string { return "download interrupted: " + e.err.Error() }

func (e *interruptedError) Unwrap() error { return e.err }

func (e *interruptedError) ResumeData() []byte { return e.resume }

// objectListing is the JSON body a list operation answers with.
type objectListing struct {
	Bucket    string         `json:"bucket"`
	Prefix    string         `json:"prefix"`
	Objects   []listedObject `json:"objects"`
	Truncated bool           `json:"truncated"`
	NextToken string         `json:"next_token,omitempty"`
}

type listedObject struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	ETag         string     `json:"etag,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

func newObjectListing(bucket, prefix string, out *s3.ListObjectsV2Output) objectListing {
	listing := objectListing{
		Bucket:    bucket,
		Prefix:    prefix,
		Objects:   make([]listedObject, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
		NextToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		listing.Objects = append(listing.Objects, listedObject{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         aws.ToString(obj.ETag),
			LastModified: obj.LastModified,
		})
	}
	return listing
}

// RequestFromResumeData rebuilds the GET request a resume blob continues.
func (t *S3Transport) RequestFromResumeData(ctx context.Context, data []byte) (*http.Request, error) {
	state, err := t.decodeResumeState(data)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, "s3://"+state.Bucket+"/"+state.Key, nil)
}

func (t *S3Transport) decodeResumeState(data []byte) (*resumeState, error) {
	var state resumeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode resume data: %w", err)
	}
	if state.Transport != t.ref {
		return nil, ErrForeignResumeData
	}
	return &state, nil
}

func resumeOffset(state *resumeState) int64 {
	if state == nil || state.TempPath == "" {
		return 0
	}
	info, err := os.Stat(state.TempPath)
	if err != nil {
		return 0
	}
	return min(state.Offset, info.Size())
}

// perform runs the task to its end and returns the task whose completion must
// be reported, which differs from task when it became a download.
func (t *S3Transport) perform(task *s3Task) (*s3Task, error) {
	r, err := requestFromHTTP(task.req)
	if err != nil {
		return task, dto.NewTaskError(task.id, dto.ErrTransport, "map request", err)
	}
	t.relay.Debug(relays.RlyTaskEvent{ID: task.id, Event: "start", Msg: string(r.Operation) + " s3://" + r.Bucket + "/" + r.Key})

	var resume *resumeState
	if task.kind == dto.TaskKindDownload && len(task.resumeData) > 0 {
		if resume, err = t.decodeResumeState(task.resumeData); err != nil {
			return task, dto.NewTaskError(task.id, dto.ErrTransport, "resume data", err)
		}
		r.Offset = resumeOffset(resume)
		if r.Offset > 0 {
			r.IfMatch = resume.ETag
		}
	}

	switch {
	case task.body != nil:
		rc, err := task.body.Open()
		if err != nil {
			return task, dto.NewTaskError(task.id, dto.ErrBodyUnavailable, "open body", err)
		}
		defer rc.Close()
		total := task.body.Len()
		r.ContentLength = total
		r.Body = &sendProgressReader{r: rc, total: total, report: func(n, sent, expected int64) {
			t.delegate.DidSendBodyData(task.id, n, sent, expected)
		}}
	case task.req.Body != nil && task.req.Body != http.NoBody:
		r.Body = task.req.Body
		if task.req.ContentLength > 0 {
			r.ContentLength = task.req.ContentLength
		}
	}

	for _, mw := range t.cfg.Middlewares {
		if err := mw(task.ctx, r); err != nil {
			return task, dto.NewTaskError(task.id, dto.ErrTransport, "middleware aborted", err)
		}
	}
	if err := r.Finalize(); err != nil {
		return task, dto.NewTaskError(task.id, dto.ErrTransport, "", err)
	}

	switch r.Operation {
	case OpGet:
		out, err := t.client.GetObject(task.ctx, r.GetInput)
		if err != nil {
			if resp := missingObject(task, err); resp != nil && task.kind != dto.TaskKindDownload {
				return t.receive(task, resp)
			}
			return task, t.apiError(task, "s3 get object", err)
		}
		length := dto.UnknownLength
		if out.ContentLength != nil {
			length = *out.ContentLength
		}
		resp := objectResponse(task.req, out.Body, r.Offset, objectMeta{
			length:       length,
			contentRange: aws.ToString(out.ContentRange),
			contentType:  aws.ToString(out.ContentType),
			etag:         aws.ToString(out.ETag),
			metadata:     out.Metadata,
		})
		if task.kind == dto.TaskKindDownload {
			return task, t.download(task, resp, resume)
		}
		return t.receive(task, resp)

	case OpPut:
		out, err := t.client.PutObject(task.ctx, r.PutInput)
		if err != nil {
			return task, t.apiError(task, "s3 put object", err)
		}
		resp := syntheticResponse(task.req, http.StatusOK, nil)
		resp.Header.Set("ETag", aws.ToString(out.ETag))
		return t.receive(task, resp)

	case OpDelete:
		if _, err := t.client.DeleteObject(task.ctx, r.DeleteInput); err != nil {
			return task, t.apiError(task, "s3 delete object", err)
		}
		return t.receive(task, syntheticResponse(task.req, http.StatusNoContent, nil))

	case OpList:
		out, err := t.client.ListObjectsV2(task.ctx, r.ListInput)
		if err != nil {
			return task, t.apiError(task, "s3 list objects", err)
		}
		body, err := json.Marshal(newObjectListing(r.Bucket, r.Prefix, out))
		if err != nil {
			return task, dto.NewTaskError(task.id, dto.ErrTransport, "encode listing", err)
		}
		resp := syntheticResponse(task.req, http.StatusOK, body)
		resp.Header.Set("Content-Type", "application/json")
		return t.receive(task, resp)
	}
	return task, dto.NewTaskError(task.id, dto.ErrTransport, "unsupported operation "+string(r.Operation), nil)
}

// apiError keeps cancellation untouched and tags service errors with their code.
func (t *S3Transport) apiError(task *s3Task, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	detail := op
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		detail = op + " (" + apiErr.ErrorCode() + ")"
	}
	return dto.NewTaskError(task.id, dto.ErrTransport, detail, err)
}

// missingObject turns NoSuchKey into a 404 response, matching what an HTTP
// data task would see.
func missingObject(task *s3Task, err error) *http.Response {
	var nsk *s3types.NoSuchKey
	if !errors.As(err, &nsk) {
		return nil
	}
	return syntheticResponse(task.req, http.StatusNotFound, nil)
}

type objectMeta struct {
	length       int64
	contentRange string
	contentType  string
	etag         string
	metadata     map[string]string
}

func objectResponse(req *http.Request, body io.ReadCloser, offset int64, meta objectMeta) *http.Response {
	status := http.StatusOK
	if offset > 0 {
		status = http.StatusPartialContent
	}
	header := utils.MapToHeader(meta.metadata)
	if meta.contentType != "" {
		header.Set("Content-Type", meta.contentType)
	}
	if meta.etag != "" {
		header.Set("ETag", meta.etag)
	}
	if meta.contentRange != "" {
		header.Set("Content-Range", meta.contentRange)
	}
	if body == nil {
		body = http.NoBody
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: meta.length,
		Request:       req,
	}
}

func syntheticResponse(req *http.Request, status int, body []byte) *http.Response {
	resp := objectResponse(req, io.NopCloser(bytes.NewReader(body)), 0, objectMeta{length: int64(len(body))})
	resp.StatusCode = status
	resp.Status = fmt.Sprintf("%d %s", status, http.StatusText(status))
	return resp
}

func (t *S3Transport) receive(task *s3Task, resp *http.Response) (*s3Task, error) {
	disposition, err := await(task.ctx, func(c func(dto.ResponseDisposition)) {
		t.delegate.DidReceiveResponse(task.id, resp, c)
	})
	if err != nil {
		resp.Body.Close()
		return task, err
	}
	switch disposition {
	case dto.ResponseCancel:
		resp.Body.Close()
		return task, dto.NewTaskError(task.id, dto.ErrCancelled, "response rejected", nil)
	case dto.ResponseBecomeDownload:
		download := t.adoptDownload(task)
		t.delegate.DidBecomeDownloadTask(task.id, download.id)
		return download, t.download(download, resp, nil)
	}

	defer resp.Body.Close()
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			t.delegate.DidReceiveData(task.id, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return task, nil
		}
		if err != nil {
			return task, err
		}
	}
}

// download streams resp into a temp file under DownloadDir and renames it once
// complete. A cancellation after bytes were written keeps the temp file and
// reports resume data.
func (t *S3Transport) download(task *s3Task, resp *http.Response, resume *resumeState) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return dto.NewTaskError(task.id, dto.ErrTransport, "unexpected status "+resp.Status, nil)
	}
	if err := os.MkdirAll(t.cfg.DownloadDir, 0o755); err != nil {
		return dto.NewTaskError(task.id, dto.ErrTransport, "create download dir", err)
	}

	total := resp.ContentLength
	var (
		f      *os.File
		offset int64
		err    error
	)
	if resume != nil && resp.StatusCode == http.StatusPartialContent {
		offset = resumeOffset(resume)
		if f, err = os.OpenFile(resume.TempPath, os.O_WRONLY, 0o644); err == nil {
			if err = f.Truncate(offset); err == nil {
				_, err = f.Seek(offset, io.SeekStart)
			}
			if err != nil {
				f.Close()
			}
		}
		if err != nil {
			return dto.NewTaskError(task.id, dto.ErrTransport, "reopen partial download", err)
		}
		if size, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			total = size
		} else if total >= 0 {
			total += offset
		}
		t.delegate.DidResumeAtOffset(task.id, offset, total)
	} else {
		if resume != nil && resume.TempPath != "" {
			_ = os.Remove(resume.TempPath)
		}
		if f, err = os.CreateTemp(t.cfg.DownloadDir, ".netmux-s3-*"); err != nil {
			return dto.NewTaskError(task.id, dto.ErrTransport, "create temp file", err)
		}
	}
	tempPath := f.Name()

	written := offset
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				rerr = dto.NewTaskError(task.id, dto.ErrTransport, "write download", werr)
			} else {
				written += int64(n)
				t.delegate.DidWriteData(task.id, int64(n), written, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr == nil {
			continue
		}

		f.Close()
		if task.ctx.Err() != nil && written > 0 {
			key := strings.TrimPrefix(task.req.URL.Path, "/")
			data, _ := json.Marshal(resumeState{
				Transport: t.ref,
				Bucket:    task.req.URL.Host,
				Key:       key,
				TempPath:  tempPath,
				Offset:    written,
				ETag:      resp.Header.Get("ETag"),
			})
			return dto.NewTaskError(task.id, dto.ErrCancelled, "download interrupted", &interruptedError{err: task.ctx.Err(), resume: data})
		}
		_ = os.Remove(tempPath)
		if task.ctx.Err() != nil {
			return task.ctx.Err()
		}
		return rerr
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return dto.NewTaskError(task.id, dto.ErrTransport, "close download", err)
	}
	name := path.Base(task.req.URL.Path)
	if name == "." || name == "/" || name == "" {
		name = utils.FallbackFilename
	}
	location := filepath.Join(t.cfg.DownloadDir, fmt.Sprintf("%d-%s", task.id, name))
	if err := os.Rename(tempPath, location); err != nil {
		_ = os.Remove(tempPath)
		return dto.NewTaskError(task.id, dto.ErrTransport, "move download into place", err)
	}
	t.delegate.DidFinishDownloading(task.id, location)
	return nil
}

func contentRangeTotal(header string) (int64, bool) {
	_, size, ok := strings.Cut(header, "/")
	if !ok || size == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func await[T any](ctx context.Context, ask func(completion func(T))) (T, error) {
	ch := make(chan T, 1)
	ask(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type sendProgressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(n, sent, total int64)
}

func (p *sendProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(int64(n), p.sent, p.total)
	}
	return n, err
}
