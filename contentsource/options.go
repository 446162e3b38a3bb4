package contentsource

import (
	"strings"
	"time"
)

// Option sets metadata a source can't (or shouldn't) determine itself.
type Option func(*metadata)

// WithSHA1 sets a precomputed, hex-encoded SHA1 of the content.
// The source returns it as given: if the content changes afterwards the value is stale,
// wrap the source with Verified to detect that.
func WithSHA1(sha1 string) Option {
	return func(m *metadata) {
		m.sha1 = strings.ToLower(sha1)
		m.hasSHA1 = true
	}
}

// WithLastModified sets the last modification time of the content.
func WithLastModified(t time.Time) Option {
	return func(m *metadata) {
		m.lastModified = t
		m.hasLastModified = true
	}
}

type metadata struct {
	sha1            string
	hasSHA1         bool
	lastModified    time.Time
	hasLastModified bool
}

func newMetadata(opts []Option) metadata {
	var m metadata
	for _, opt := range opts {
		opt(&m)
	}
	return m
}
