package utils

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const octetStream = "application/octet-stream"

// GenerateBoundaryString returns a new random multipart boundary. Call it once per request.
func GenerateBoundaryString() string {
	return "Boundary-" + uuid.NewString()
}

// MimeTypeForPath sniffs the file content, falling back to the extension when
// the content is not recognised.
func MimeTypeForPath(path string) string {
	detected := octetStream
	if mtype, err := mimetype.DetectFile(path); err == nil {
		detected = mtype.String()
	}
	if strings.HasPrefix(detected, octetStream) {
		if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
			return byExt
		}
	}
	return detected
}

// BuildMultipartBody assembles a multipart/form-data body from plain
// parameters and files. Every file is added under fieldName.
func BuildMultipartBody(params map[string]string, paths []string, fieldName string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(GenerateBoundaryString()); err != nil {
		return nil, "", fmt.Errorf("set boundary: %w", err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, params[k]); err != nil {
			return nil, "", fmt.Errorf("write field %q: %w", k, err)
		}
	}

	for _, path := range paths {
		if err := writeFilePart(w, fieldName, path); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, fieldName, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, filepath.Base(path)))
	h.Set("Content-Type", MimeTypeForPath(path))
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part for %q: %w", path, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %q: %w", path, err)
	}
	return nil
}
