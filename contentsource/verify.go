package contentsource

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"
)

// Verified wraps src so that its streams fail instead of ending cleanly when the bytes read
// don't add up to the content length or don't hash to the SHA1.
// The options override the metadata of src, WithSHA1 can be used to verify against a digest
// computed earlier. Without a known SHA1 only the length is verified.
func Verified(src ContentSource, opts ...Option) ContentSource {
	return &verified{
		ContentSource: src,
		meta:          newMetadata(opts),
	}
}

type verified struct {
	ContentSource
	meta metadata
}

func (v *verified) SHA1() (string, bool, error) {
	if v.meta.hasSHA1 {
		return v.meta.sha1, true, nil
	}
	return v.ContentSource.SHA1()
}

func (v *verified) LastModified() (time.Time, bool, error) {
	if v.meta.hasLastModified {
		return v.meta.lastModified, true, nil
	}
	return v.ContentSource.LastModified()
}

func (v *verified) Open() (io.ReadCloser, error) {
	length, err := v.ContentLength()
	if err != nil {
		return nil, err
	}
	sha1sum, hasSHA1, err := v.SHA1()
	if err != nil {
		return nil, err
	}

	rc, err := v.ContentSource.Open()
	if err != nil {
		return nil, err
	}

	return &verifyingReader{
		rc:             rc,
		hash:           sha1.New(),
		expectedLength: length,
		expectedSHA1:   sha1sum,
		checkSHA1:      hasSHA1,
	}, nil
}

type verifyingReader struct {
	rc             io.ReadCloser
	hash           hash.Hash
	read           int64
	expectedLength int64
	expectedSHA1   string
	checkSHA1      bool
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.hash.Write(p[:n]) // never fails
	r.read += int64(n)

	if r.read > r.expectedLength {
		return n, ioError("verify content", fmt.Errorf("%w: more than %d bytes", ErrLengthMismatch, r.expectedLength))
	}
	if err != io.EOF {
		return n, err
	}

	if r.read != r.expectedLength {
		return n, ioError("verify content", fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, r.expectedLength, r.read))
	}
	if r.checkSHA1 {
		if got := hex.EncodeToString(r.hash.Sum(nil)); got != r.expectedSHA1 {
			return n, ioError("verify content", fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, r.expectedSHA1, got))
		}
	}
	return n, io.EOF
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}
