package netmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/utils"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

// UploadResultHandler receives the decoded JSON answer of a multipart upload.
type UploadResultHandler func(task *UploadTask, result any, err error)

// Get submits a GET data task for url.
func (s *TaskSvc) Get(ctx context.Context, url string, completion CompletionHandler) (*DataTask, error) {
	cfg := dto.DefaultRequestConfig()
	cfg.WithURL(url)
	return s.Do(ctx, &cfg, completion)
}

// Do builds the request described by cfg and submits it as a data task.
func (s *TaskSvc) Do(ctx context.Context, cfg *dto.RequestConfig, completion CompletionHandler) (*DataTask, error) {
	if cfg == nil {
		return nil, dto.ErrNilRequestConfig
	}
	req, err := cfg.NewRequest(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.DataTask(req, nil, completion)
	if err != nil {
		return nil, err
	}
	if cfg.Credential != nil {
		task.SetCredential(cfg.Credential)
	}
	if err := s.Submit(task); err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", cfg.Method, cfg.URL, err)
	}
	return task, nil
}

// Fetch performs cfg and waits for the outcome. When out is set, a non empty
// body is decoded into it as JSON. Statuses from 400 up are reported as
// ErrUnexpectedStatus together with the response.
func (s *TaskSvc) Fetch(ctx context.Context, cfg *dto.RequestConfig, out any) (dto.Response, error) {
	var (
		body    []byte
		taskErr error
	)
	task, err := s.Do(ctx, cfg, func(_ *DataTask, data []byte, err error) {
		body, taskErr = data, err
	})
	if err != nil {
		return dto.Response{}, err
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		task.Cancel()
		<-task.Done()
	}
	if taskErr != nil {
		return dto.Response{}, fmt.Errorf("perform request: %w", taskErr)
	}

	response := dto.Response{Body: body}
	if resp := task.Response(); resp != nil {
		response.StatusCode = resp.StatusCode
		response.Headers = resp.Header
	}
	if response.StatusCode >= http.StatusBadRequest {
		return response, fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return response, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return response, nil
}

// PostUpload sends params and the files at paths as multipart/form-data, every
// file under fieldName, and decodes the JSON answer.
func (s *TaskSvc) PostUpload(
	ctx context.Context,
	url string,
	params map[string]string,
	paths []string,
	fieldName string,
	completion UploadResultHandler,
) (*UploadTask, error) {
	body, contentType, err := utils.BuildMultipartBody(params, paths, fieldName)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	task, err := s.UploadTask(req, dto.BodyFromBytes(body), nil, func(t *UploadTask, data []byte, err error) {
		if completion == nil {
			return
		}
		if err != nil {
			completion(t, nil, err)
			return
		}
		var result any
		if len(data) > 0 {
			if decodeErr := json.Unmarshal(data, &result); decodeErr != nil {
				completion(t, nil, fmt.Errorf("unmarshal upload response: %w", decodeErr))
				return
			}
		}
		completion(t, result, nil)
	})
	if err != nil {
		return nil, err
	}
	if err := s.Submit(task); err != nil {
		return nil, fmt.Errorf("submit upload %s: %w", url, err)
	}
	return task, nil
}
