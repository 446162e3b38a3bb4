// Package contentsource describes content that an upload pipeline can measure,
// checksum and read as many times as it needs to.
//
// Common implementations are File, Memory, Spooled and HTTP.
package contentsource

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrIO is matched (with errors.Is) by every failure a content source reports.
var ErrIO = errors.New("content source I/O failure")

// ErrChecksumMismatch is reported when the bytes read don't hash to the expected SHA1.
var ErrChecksumMismatch = errors.New("content doesn't match its SHA1")

// ErrLengthMismatch is reported when the number of bytes read differs from the content length.
var ErrLengthMismatch = errors.New("content doesn't match its length")

// ContentSource provides the length, the SHA1 and the bytes of one piece of content to upload.
type ContentSource interface {
	// ContentLength returns the number of bytes in the content.
	// It is never negative and doesn't change over the lifetime of the source.
	ContentLength() (int64, error)

	// SHA1 returns the hex-encoded SHA1 of the content when it is known up front.
	// Implement it if you stored the SHA1 separately from the content: it lets the uploader
	// notice trouble reading the content before the remote store accepts it.
	// When ok is false the uploader computes the SHA1 from the bytes.
	SHA1() (sha1 string, ok bool, err error)

	// LastModified returns the time the source was last modified, when there is a reasonable value for that.
	LastModified() (t time.Time, ok bool, err error)

	// Open returns a new reader positioned at the start of the content. The caller closes it.
	//
	// NOTE: this may be called multiple times as uploads are retried, even concurrently.
	// The content is expected to be identical each time.
	Open() (io.ReadCloser, error)
}

// RangeOpener is implemented by sources that can open a part of their content without reading what precedes it.
type RangeOpener interface {
	OpenRange(offset, length int64) (io.ReadCloser, error)
}

// Error is the I/O failure returned by the sources of this package.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports ErrIO as a match, the rest is left to Unwrap.
func (e *Error) Is(target error) bool {
	return target == ErrIO
}

func ioError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// OpenRange returns a reader over length bytes of src starting at offset.
// Sources implementing RangeOpener open the range directly, others are opened from the start
// and the bytes before offset are discarded.
func OpenRange(src ContentSource, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, ioError("open range", fmt.Errorf("invalid range: offset %d, length %d", offset, length))
	}
	if r, ok := src.(RangeOpener); ok {
		return r.OpenRange(offset, length)
	}

	size, err := src.ContentLength()
	if err != nil {
		return nil, err
	}
	if err := checkRange(offset, length, size); err != nil {
		return nil, err
	}

	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		_ = rc.Close()
		return nil, ioError("skip to offset", err)
	}
	return readCloser{Reader: io.LimitReader(rc, length), Closer: rc}, nil
}

// Millis converts t to milliseconds since the epoch, the unit remote stores keep last-modified times in.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func checkRange(offset, length, size int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return ioError("open range", fmt.Errorf("range %d+%d is outside of content of %d bytes", offset, length, size))
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
