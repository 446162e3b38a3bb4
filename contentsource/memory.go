package contentsource

import (
	"bytes"
	"io"
	"time"
)

// Memory is a content source backed by a byte slice.
type Memory struct {
	data []byte
	meta metadata
}

// NewMemory returns a source serving a copy of data, so later changes to data don't affect it.
func NewMemory(data []byte, opts ...Option) *Memory {
	return &Memory{
		data: append([]byte{}, data...),
		meta: newMetadata(opts),
	}
}

// ContentLength ...
func (m *Memory) ContentLength() (int64, error) {
	return int64(len(m.data)), nil
}

// SHA1 ...
func (m *Memory) SHA1() (string, bool, error) {
	return m.meta.sha1, m.meta.hasSHA1, nil
}

// LastModified ...
func (m *Memory) LastModified() (time.Time, bool, error) {
	return m.meta.lastModified, m.meta.hasLastModified, nil
}

// Open ...
func (m *Memory) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

// OpenRange ...
func (m *Memory) OpenRange(offset, length int64) (io.ReadCloser, error) {
	if err := checkRange(offset, length, int64(len(m.data))); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(m.data[offset : offset+length])), nil
}
