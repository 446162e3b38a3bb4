package contentsource

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/bitrise-io/go-contentsource/internal"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionLevel is the zstd level Compress uses when level is 0.
const DefaultCompressionLevel = 3

// Spooled is a content source backed by a temporary file holding content that could be read only once.
// The SHA1 is computed while spooling, so it is always known.
type Spooled struct {
	*File
}

// Spool drains r into a temporary file in dir (os.TempDir() if empty) and returns a source over it.
// Call Close once the upload pipeline finished with the source.
func Spool(dir string, r io.Reader, opts ...Option) (*Spooled, error) {
	return spool(internal.RealOS{}, dir, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}, opts)
}

// Compress spools the zstd compressed content of src. Valid levels are between 1 and 19,
// 0 means DefaultCompressionLevel. The result has no last modification time unless one is given.
func Compress(dir string, src ContentSource, level int, opts ...Option) (*Spooled, error) {
	if level == 0 {
		level = DefaultCompressionLevel
	}
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("compression level %d is out of range [1, 19]", level)
	}

	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	return spool(internal.RealOS{}, dir, func(w io.Writer) error {
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if _, err := io.Copy(encoder, rc); err != nil {
			_ = encoder.Close()
			return fmt.Errorf("compress content: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return fmt.Errorf("close zstd writer: %w", err)
		}
		return nil
	}, opts)
}

func spool(osProxy internal.OsProxy, dir string, write func(io.Writer) error, opts []Option) (*Spooled, error) {
	file, err := osProxy.CreateTemp(dir, "content-spool-*")
	if err != nil {
		return nil, ioError("create spool file", err)
	}

	hash := sha1.New()
	writeErr := write(io.MultiWriter(file, hash))
	closeErr := file.Close()
	if writeErr != nil || closeErr != nil {
		_ = osProxy.Remove(file.Name())
		if writeErr != nil {
			return nil, ioError("write spool file", writeErr)
		}
		return nil, ioError("close spool file", closeErr)
	}

	opts = append(append([]Option{}, opts...), WithSHA1(hex.EncodeToString(hash.Sum(nil))))
	return &Spooled{File: newFile(osProxy, file.Name(), false, opts)}, nil
}

// Close removes the spool file. Streams opened earlier stay readable on systems that allow it.
func (s *Spooled) Close() error {
	if err := s.os.Remove(s.path); err != nil {
		return ioError("remove spool file", err)
	}
	return nil
}
