package contentsource

import (
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-contentsource/internal"
)

// File is a content source backed by a file on disk.
//
// The length and the modification time are read from the file system on every call
// and every Open opens the file anew, so the file must not change while it is being uploaded.
// A SHA1 given with WithSHA1 is returned as is, even if the file changed since it was computed.
type File struct {
	path      string
	os        internal.OsProxy
	meta      metadata
	statMTime bool
}

// NewFile returns a source for the file at path. Unless WithLastModified is given,
// the last modification time is the file's mtime.
func NewFile(path string, opts ...Option) *File {
	return newFile(internal.RealOS{}, path, true, opts)
}

func newFile(osProxy internal.OsProxy, path string, statMTime bool, opts []Option) *File {
	return &File{
		path:      path,
		os:        osProxy,
		meta:      newMetadata(opts),
		statMTime: statMTime,
	}
}

// Path ...
func (f *File) Path() string {
	return f.path
}

// ContentLength ...
func (f *File) ContentLength() (int64, error) {
	info, err := f.os.Stat(f.path)
	if err != nil {
		return 0, ioError("stat file", err)
	}
	if info.IsDir() {
		return 0, ioError("stat file", fmt.Errorf("%s is a directory", f.path))
	}
	return info.Size(), nil
}

// SHA1 ...
func (f *File) SHA1() (string, bool, error) {
	return f.meta.sha1, f.meta.hasSHA1, nil
}

// LastModified ...
func (f *File) LastModified() (time.Time, bool, error) {
	if f.meta.hasLastModified || !f.statMTime {
		return f.meta.lastModified, f.meta.hasLastModified, nil
	}

	info, err := f.os.Stat(f.path)
	if err != nil {
		return time.Time{}, false, ioError("stat file", err)
	}
	return info.ModTime(), true, nil
}

// Open ...
func (f *File) Open() (io.ReadCloser, error) {
	file, err := f.os.Open(f.path)
	if err != nil {
		return nil, ioError("open file", err)
	}
	return file, nil
}

// OpenRange reads the range through a section of a newly opened file,
// so concurrent ranges never share a file offset.
func (f *File) OpenRange(offset, length int64) (io.ReadCloser, error) {
	size, err := f.ContentLength()
	if err != nil {
		return nil, err
	}
	if err := checkRange(offset, length, size); err != nil {
		return nil, err
	}

	file, err := f.os.Open(f.path)
	if err != nil {
		return nil, ioError("open file", err)
	}
	return readCloser{Reader: io.NewSectionReader(file, offset, length), Closer: file}, nil
}
