package dto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// BodySource is the immutable body of an upload task. Byte and file sources can
// be reopened any number of times; stream sources are one-shot.
type BodySource struct {
	data   []byte
	file   string
	stream io.Reader

	mu       sync.Mutex
	consumed bool
}

func BodyFromBytes(data []byte) *BodySource {
	cpy := make([]byte, len(data))
	copy(cpy, data)
	return &BodySource{data: cpy}
}

func BodyFromFile(path string) *BodySource {
	return &BodySource{file: path}
}

func BodyFromStream(r io.Reader) *BodySource {
	return &BodySource{stream: r}
}

func (b *BodySource) IsFile() bool { return b.file != "" }

func (b *BodySource) FilePath() string { return b.file }

// Replayable reports whether Open can be called more than once.
func (b *BodySource) Replayable() bool {
	return b.stream == nil
}

// Len returns the body size, or UnknownLength for streams.
func (b *BodySource) Len() int64 {
	switch {
	case b.file != "":
		info, err := os.Stat(b.file)
		if err != nil {
			return UnknownLength
		}
		return info.Size()
	case b.stream != nil:
		return UnknownLength
	default:
		return int64(len(b.data))
	}
}

// Open returns a fresh reader over the body. A stream source can only be opened
// once, later calls fail with ErrBodyUnavailable.
func (b *BodySource) Open() (io.ReadCloser, error) {
	switch {
	case b.file != "":
		f, err := os.Open(b.file)
		if err != nil {
			return nil, fmt.Errorf("open body file: %w", err)
		}
		return f, nil
	case b.stream != nil:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.consumed {
			return nil, ErrBodyUnavailable
		}
		b.consumed = true
		if rc, ok := b.stream.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(b.stream), nil
	default:
		return io.NopCloser(bytes.NewReader(b.data)), nil
	}
}

// IsBodyUnavailable is a small helper for transports deciding how to fail a replay.
func IsBodyUnavailable(err error) bool {
	return errors.Is(err, ErrBodyUnavailable)
}
