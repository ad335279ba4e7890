package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
)

type challengeAnswer struct {
	disposition dto.ChallengeDisposition
	credential  *dto.Credential
}

// await blocks until the delegate answered through the completion func or ctx ends.
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

// perform runs the task to its end and returns the task whose completion must
// be reported, which differs from task when it became a download.
func (t *HTTPTransport) perform(task *httpTask) (*httpTask, error) {
	t.relay.Debug(relays.RlyTaskEvent{ID: task.id, Event: "start", Msg: task.req.Method + " " + task.req.URL.String()})

	if task.kind == dto.TaskKindData && t.cache != nil && cacheable(task.req) {
		if cached, ok := t.cache.get(cacheKey(task.req)); ok {
			return t.receive(task, replay(cached, task.req))
		}
	}

	var resume *resumeState
	if task.kind == dto.TaskKindDownload && len(task.resumeData) > 0 {
		state, err := decodeResumeState(t.ref, task.resumeData)
		if err != nil {
			return task, dto.NewTaskError(task.id, dto.ErrTransport, "resume data", err)
		}
		resume = state
	}

	resp, err := t.roundTrip(task, resume)
	if err != nil {
		return task, err
	}

	switch task.kind {
	case dto.TaskKindDownload:
		return task, t.download(task, resp, resume)
	default:
		return t.receive(task, resp)
	}
}

// roundTrip sends the request and resolves redirects and authentication
// challenges with the delegate until a final response is known.
func (t *HTTPTransport) roundTrip(task *httpTask, resume *resumeState) (*http.Response, error) {
	req, err := t.firstRequest(task, resume)
	if err != nil {
		return nil, err
	}

	var (
		redirects int
		failures  int
	)
	for {
		for _, mw := range t.cfg.Middlewares {
			if err := mw(task.ctx, req); err != nil {
				return nil, dto.NewTaskError(task.id, dto.ErrTransport, "middleware aborted", err)
			}
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if next := t.redirectTarget(req, resp); next != nil && redirects < t.cfg.MaxRedirects {
			decided, err := await(task.ctx, func(c func(*http.Request)) {
				t.delegate.WillPerformRedirect(task.id, resp, next, c)
			})
			if err != nil {
				drain(resp)
				return nil, err
			}
			if decided == nil {
				return resp, nil
			}
			drain(resp)
			if req, err = t.replayRequest(task, decided); err != nil {
				return nil, err
			}
			redirects++
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired {
			challenge := dto.ParseChallenge(resp, failures)
			if challenge == nil {
				return resp, nil
			}
			answer, err := await(task.ctx, func(c func(challengeAnswer)) {
				t.delegate.DidReceiveChallenge(task.id, challenge, func(d dto.ChallengeDisposition, cred *dto.Credential) {
					c(challengeAnswer{disposition: d, credential: cred})
				})
			})
			if err != nil {
				drain(resp)
				return nil, err
			}
			switch answer.disposition {
			case dto.ChallengeCancel:
				drain(resp)
				return nil, dto.NewTaskError(task.id, dto.ErrAuthenticationFailed, challenge.Scheme+" "+challenge.Realm, nil)
			case dto.ChallengeUseCredential:
				if answer.credential == nil {
					return resp, nil
				}
				drain(resp)
				retry, err := t.replayRequest(task, req)
				if err != nil {
					return nil, err
				}
				if err := answer.credential.Apply(retry); err != nil {
					return nil, dto.NewTaskError(task.id, dto.ErrAuthenticationFailed, "apply credential", err)
				}
				req = retry
				failures++
				continue
			default:
				return resp, nil
			}
		}

		return resp, nil
	}
}

func (t *HTTPTransport) firstRequest(task *httpTask, resume *resumeState) (*http.Request, error) {
	req := task.req.Clone(task.ctx)
	t.cfg.ExtraHeaders.Apply(req.Header)

	if task.body != nil {
		rc, err := task.body.Open()
		if err != nil {
			return nil, dto.NewTaskError(task.id, dto.ErrBodyUnavailable, "open body", err)
		}
		t.attachBody(task, req, rc)
	}

	if resume != nil {
		if offset := resumeOffset(resume); offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
			switch {
			case resume.ETag != "":
				req.Header.Set("If-Range", resume.ETag)
			case resume.LastModified != "":
				req.Header.Set("If-Range", resume.LastModified)
			}
		}
	}
	return req, nil
}

// replayRequest prepares next for sending, with a fresh copy of the body when
// the method carries one.
func (t *HTTPTransport) replayRequest(task *httpTask, next *http.Request) (*http.Request, error) {
	req := next.Clone(task.ctx)
	t.cfg.ExtraHeaders.Apply(req.Header)
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}

	if task.body == nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, dto.NewTaskError(task.id, dto.ErrBodyUnavailable, "", err)
		}
		req.Body = body
		return req, nil
	}

	rc, err := await(task.ctx, func(c func(io.ReadCloser)) {
		t.delegate.NeedNewBodyStream(task.id, c)
	})
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, dto.NewTaskError(task.id, dto.ErrBodyUnavailable, "no body for retry", nil)
	}
	if task.body != nil {
		t.attachBody(task, req, rc)
	} else {
		req.Body = rc
	}
	return req, nil
}

func (t *HTTPTransport) attachBody(task *httpTask, req *http.Request, rc io.ReadCloser) {
	total := task.body.Len()
	req.ContentLength = total
	if total == dto.UnknownLength {
		req.ContentLength = -1
	}
	req.Body = &sendProgressReader{
		rc:    rc,
		total: total,
		report: func(n, sent, expected int64) {
			t.delegate.DidSendBodyData(task.id, n, sent, expected)
		},
	}
	// the transport must not replay on its own, retries go through NeedNewBodyStream
	req.GetBody = nil
}

// redirectTarget returns the request a 3xx response points at, or nil.
func (t *HTTPTransport) redirectTarget(req *http.Request, resp *http.Response) *http.Request {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil
	}
	loc, err := resp.Location()
	if err != nil {
		return nil
	}

	method := req.Method
	keepBody := resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect
	if !keepBody && method != http.MethodGet && method != http.MethodHead {
		method = http.MethodGet
	}

	next, err := http.NewRequestWithContext(req.Context(), method, loc.String(), nil)
	if err != nil {
		return nil
	}
	for k, v := range req.Header {
		if k == "Authorization" && loc.Host != req.URL.Host {
			continue
		}
		next.Header[k] = append([]string(nil), v...)
	}
	if keepBody && req.Body != nil && req.Body != http.NoBody {
		next.Body = replayMarker{}
		next.GetBody = req.GetBody
		next.ContentLength = req.ContentLength
	} else {
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Length")
	}
	return next
}

// receive streams the body of a data or upload task.
func (t *HTTPTransport) receive(task *httpTask, resp *http.Response) (*httpTask, error) {
	disposition, err := await(task.ctx, func(c func(dto.ResponseDisposition)) {
		t.delegate.DidReceiveResponse(task.id, resp, c)
	})
	if err != nil {
		drain(resp)
		return task, err
	}

	switch disposition {
	case dto.ResponseCancel:
		drain(resp)
		return task, dto.NewTaskError(task.id, dto.ErrCancelled, "response rejected", nil)
	case dto.ResponseBecomeDownload:
		download := t.adoptDownload(task)
		t.delegate.DidBecomeDownloadTask(task.id, download.id)
		return download, t.download(download, resp, nil)
	}

	store := t.cache != nil && resp.Request != nil && cacheable(resp.Request) &&
		resp.StatusCode == http.StatusOK && resp.Header.Get(cacheHeader) == ""
	return task, t.deliverData(task, resp, store)
}

// deliverData reads resp in chunks and offers the result to the cache.
func (t *HTTPTransport) deliverData(task *httpTask, resp *http.Response, store bool) error {
	defer resp.Body.Close()

	var kept bytes.Buffer
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			t.delegate.DidReceiveData(task.id, chunk)
			if store {
				kept.Write(chunk)
				if int64(kept.Len()) > t.cfg.MaxCacheBody {
					store = false
					kept = bytes.Buffer{}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if store {
		proposed := &dto.CachedResponse{Response: resp, Body: kept.Bytes(), StoredAt: time.Now()}
		decided, err := await(task.ctx, func(c func(*dto.CachedResponse)) {
			t.delegate.WillCacheResponse(task.id, proposed, c)
		})
		if err != nil {
			return err
		}
		t.cache.put(cacheKey(resp.Request), decided)
	}
	return nil
}

// replayMarker stands in for a body that must be produced again before sending.
type replayMarker struct{}

func (replayMarker) Read([]byte) (int, error) { return 0, io.EOF }
func (replayMarker) Close() error             { return nil }

// sendProgressReader reports every read of an upload body.
type sendProgressReader struct {
	rc     io.ReadCloser
	sent   int64
	total  int64
	report func(n, sent, total int64)
}

func (r *sendProgressReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.report(int64(n), r.sent, r.total)
	}
	return n, err
}

func (r *sendProgressReader) Close() error { return r.rc.Close() }

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
