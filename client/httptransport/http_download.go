package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	"github.com/joy-dx/netmux/utils"
)

const tempPattern = ".netmux-dl-*"

// resumeOffset is where a resumed download continues. The recorded offset is
// trusted only as far as the temp file actually reaches.
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

// download streams resp into a temp file under DownloadDir and renames it once
// complete. A cancellation after bytes were written keeps the temp file and
// reports resume data.
func (t *HTTPTransport) download(task *httpTask, resp *http.Response, resume *resumeState) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return dto.NewTaskError(task.id, dto.ErrTransport, fmt.Sprintf("unexpected status %s", resp.Status), nil)
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
		f, err = os.OpenFile(resume.TempPath, os.O_WRONLY, 0o644)
		if err == nil {
			if err = f.Truncate(offset); err == nil {
				_, err = f.Seek(offset, io.SeekStart)
			}
		}
		if err != nil {
			if f != nil {
				f.Close()
			}
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
			// the server ignored the range, start over
			_ = os.Remove(resume.TempPath)
		}
		f, err = os.CreateTemp(t.cfg.DownloadDir, tempPattern)
		if err != nil {
			return dto.NewTaskError(task.id, dto.ErrTransport, "create temp file", err)
		}
	}
	tempPath := f.Name()

	written, err := t.copyChunks(task, f, resp.Body, offset, total)
	if err != nil {
		f.Close()
		if written > 0 && errors.Is(err, context.Canceled) {
			data, encErr := json.Marshal(resumeState{
				Transport:    t.ref,
				URL:          task.req.URL.String(),
				Header:       task.req.Header.Clone(),
				TempPath:     tempPath,
				Offset:       written,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			})
			if encErr == nil {
				t.relay.Debug(relays.RlyTaskEvent{ID: task.id, Event: "interrupted", Msg: fmt.Sprintf("kept %d bytes in %s", written, tempPath)})
				return dto.NewTaskError(task.id, dto.ErrCancelled, "download interrupted", &interruptedError{err: err, resume: data})
			}
		}
		_ = os.Remove(tempPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		return dto.NewTaskError(task.id, dto.ErrTransport, "sync download", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return dto.NewTaskError(task.id, dto.ErrTransport, "close download", err)
	}

	name, err := utils.FilenameFromUrl(task.req.URL.String())
	if err != nil {
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

// copyChunks writes src to dst and reports every chunk. The returned count
// includes offset.
func (t *HTTPTransport) copyChunks(task *httpTask, dst io.Writer, src io.Reader, offset, total int64) (int64, error) {
	written := offset
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, dto.NewTaskError(task.id, dto.ErrTransport, "write download", werr)
			}
			written += int64(n)
			t.delegate.DidWriteData(task.id, int64(n), written, total)
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			if task.ctx.Err() != nil {
				return written, task.ctx.Err()
			}
			return written, err
		}
	}
}

// contentRangeTotal reads the complete length from "bytes a-b/total".
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
