// Package upload transmits content sources to remote object stores.
//
// Every uploader follows the same steps: the content is described (length, SHA1, last modification
// time) before anything is sent, then streams are opened from the source for each attempt.
// A precomputed SHA1 is verified while the bytes are streamed, so content that changed since its
// SHA1 was computed fails the upload instead of being stored.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-utils/v2/log"
)

const maxKeyLength = 1024

const (
	metadataSHA1         = "sha1"
	metadataLastModified = "src_last_modified_millis"
)

// ErrInvalidParams is returned when the uploader params or the object are not usable.
var ErrInvalidParams = errors.New("invalid upload params")

// Object identifies where the content is stored.
type Object struct {
	Key string
	// ContentType defaults to application/octet-stream.
	ContentType string
}

// Result describes the stored object.
type Result struct {
	Key    string
	Length int64
	SHA1   string
	// ID is the ETag of the object on S3-compatible stores, the file ID on B2.
	ID string
	// Skipped is true when the store already had the same content under the key.
	Skipped  bool
	Attempts int
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, object Object, source contentsource.ContentSource) (Result, error)
}

type description struct {
	length          int64
	sha1            string
	hasSHA1         bool
	lastModified    time.Time
	hasLastModified bool
}

// describe collects what is sent ahead of the bytes. When computeSHA1 is true and the source
// doesn't know its SHA1, a stream is consumed to compute it.
func describe(source contentsource.ContentSource, computeSHA1 bool, logger log.Logger) (description, error) {
	var d description
	var err error

	if d.length, err = source.ContentLength(); err != nil {
		return description{}, fmt.Errorf("get content length: %w", err)
	}
	if d.sha1, d.hasSHA1, err = source.SHA1(); err != nil {
		return description{}, fmt.Errorf("get content SHA1: %w", err)
	}
	if !d.hasSHA1 && computeSHA1 {
		logger.Debugf("SHA1 is not known up front, computing it from the content")
		if d.sha1, err = contentsource.ComputeSHA1(source); err != nil {
			return description{}, fmt.Errorf("compute content SHA1: %w", err)
		}
		d.hasSHA1 = true
	}
	if d.lastModified, d.hasLastModified, err = source.LastModified(); err != nil {
		return description{}, fmt.Errorf("get last modification time: %w", err)
	}

	return d, nil
}

// verified returns a source whose streams fail if they don't match the description.
func (d description) verified(source contentsource.ContentSource) contentsource.ContentSource {
	if d.hasSHA1 {
		return contentsource.Verified(source, contentsource.WithSHA1(d.sha1))
	}
	return contentsource.Verified(source)
}

// verify reads a stream of source to its end and fails if it doesn't match the description.
func (d description) verify(source contentsource.ContentSource) error {
	rc, err := d.verified(source).Open()
	if err != nil {
		return fmt.Errorf("open content: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("verify content: %w", err)
	}
	return nil
}

func (d description) metadata() map[string]string {
	metadata := map[string]string{}
	if d.hasSHA1 {
		metadata[metadataSHA1] = d.sha1
	}
	if d.hasLastModified {
		metadata[metadataLastModified] = strconv.FormatInt(contentsource.Millis(d.lastModified), 10)
	}
	return metadata
}

func validateObject(object Object) (Object, error) {
	if err := validateKey(object.Key); err != nil {
		return Object{}, err
	}
	if object.ContentType == "" {
		object.ContentType = "application/octet-stream"
	}
	return object, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidParams)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key is longer than %d bytes", ErrInvalidParams, maxKeyLength)
	}
	for _, r := range key {
		if r < 32 || r == 127 {
			return fmt.Errorf("%w: key contains control characters", ErrInvalidParams)
		}
	}
	return nil
}
