package netmux

import (
	"errors"
	"net/http"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/utils"
)

// DownloadTask stores the response body in a file the transport exposes on finish.
type DownloadTask struct {
	RequestTask

	location       string
	written        int64
	expected       int64
	resumeOffset   int64
	resumeExpected int64
	resumeData     []byte
	checksum       string
	checksumErr    error

	onWrite  WriteHandler
	onResume ResumeHandler
	onFinish FinishHandler
}

func newDownloadTask(svc *TaskSvc, transport dto.Transport, req *http.Request, resumeData []byte) *DownloadTask {
	t := &DownloadTask{
		expected:       dto.UnknownLength,
		resumeExpected: dto.UnknownLength,
	}
	spec := dto.TaskSpec{Kind: dto.TaskKindDownload, Request: req, ResumeData: resumeData}
	t.init(svc, transport, spec, t, t)
	return t
}

func (t *DownloadTask) OnWrite(h WriteHandler) {
	t.mu.Lock()
	t.onWrite = h
	t.mu.Unlock()
}

func (t *DownloadTask) OnResume(h ResumeHandler) {
	t.mu.Lock()
	t.onResume = h
	t.mu.Unlock()
}

func (t *DownloadTask) OnFinish(h FinishHandler) {
	t.mu.Lock()
	t.onFinish = h
	t.mu.Unlock()
}

// VerifyChecksum makes the task fail unless the finished file has this SHA-256.
func (t *DownloadTask) VerifyChecksum(sha256Hex string) {
	t.mu.Lock()
	t.checksum = sha256Hex
	t.mu.Unlock()
}

// Location is the file the transport wrote, empty until finished.
func (t *DownloadTask) Location() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location
}

func (t *DownloadTask) Progress() (written, expected int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written, t.expected
}

// ResumeState is the last (offset, expected total) pair reported on resume.
func (t *DownloadTask) ResumeState() (offset, expected int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeOffset, t.resumeExpected
}

// ResumeData is the opaque blob captured from a cancellation, nil when the
// transport offered none. Pass it to TaskSvc.DownloadTaskWithResumeData.
func (t *DownloadTask) ResumeData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeData
}

func (t *DownloadTask) didWriteData(bytesWritten, totalBytesWritten, totalBytesExpectedToWrite int64) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		return
	}
	if totalBytesWritten > t.written {
		t.written = totalBytesWritten
	}
	t.expected = totalBytesExpectedToWrite
	total := t.written
	executor := t.executor
	t.mu.Unlock()

	t.publish("downloading", false)
	executor.Execute(func() {
		t.mu.Lock()
		h := t.onWrite
		t.mu.Unlock()
		if h != nil {
			h(t, bytesWritten, total, totalBytesExpectedToWrite)
		}
	})
}

func (t *DownloadTask) didResumeAtOffset(offset, expectedTotalBytes int64) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		return
	}
	t.resumeOffset = offset
	t.resumeExpected = expectedTotalBytes
	if offset > t.written {
		t.written = offset
	}
	t.expected = expectedTotalBytes
	executor := t.executor
	t.mu.Unlock()

	t.publish("resumed", false)
	executor.Execute(func() {
		t.mu.Lock()
		h := t.onResume
		t.mu.Unlock()
		if h != nil {
			h(t, offset, expectedTotalBytes)
		}
	})
}

// didFinishDownloading records the location and, when asked to, verifies the
// checksum before completion arrives.
func (t *DownloadTask) didFinishDownloading(location string) {
	t.mu.Lock()
	if !t.liveLocked() {
		t.mu.Unlock()
		return
	}
	t.location = location
	checksum := t.checksum
	t.mu.Unlock()

	if checksum == "" {
		return
	}
	if err := utils.Sha256SumVerify(location, checksum); err != nil {
		t.mu.Lock()
		t.checksumErr = err
		t.mu.Unlock()
	}
}

func (t *DownloadTask) finalizeLocked(err error) error {
	switch {
	case err != nil:
		var carrier dto.ResumeDataCarrier
		if errors.As(err, &carrier) {
			if data := carrier.ResumeData(); data != nil {
				t.resumeData = data
			}
		}
		t.location = ""
		return err
	case t.checksumErr != nil:
		t.location = ""
		return dto.NewTaskError(t.id, dto.ErrTransport, "checksum verification failed", t.checksumErr)
	case t.location == "":
		return dto.NewTaskError(t.id, dto.ErrTransport, "finished without a location", nil)
	}
	return nil
}

func (t *DownloadTask) completionLocked(err error) func() {
	location := t.location
	if err != nil {
		location = ""
	}
	return func() {
		t.mu.Lock()
		h := t.onFinish
		t.mu.Unlock()
		if h != nil {
			h(t, location, err)
		}
	}
}

func (t *DownloadTask) describeLocked(n *dto.TaskNotification) {
	n.Transferred = t.written
	n.Expected = t.expected
	n.Location = t.location
}
