package chunkuploader

import (
	"net/http"
	"runtime"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	// ChecksumHeader is the request header the hex-encoded SHA1 of each chunk is sent in (such as X-Bz-Content-Sha1).
	// If empty, no checksum is computed and the server must respond with an ETag.
	ChecksumHeader string

	// HTTPClient is the HTTP client to use for uploads.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client

	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 3,
		HungThreshold:    30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// Individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// OptimalChunkSizeBytes calculates the chunk size for totalSize uploaded with the given concurrency,
// never going below minSize (the smallest part the remote store accepts).
func OptimalChunkSizeBytes(totalSize int64, concurrency int, minSize int64) int64 {
	min := uint64(8 * 1024 * 1024)
	if uint64(minSize) > min {
		min = uint64(minSize)
	}
	return int64(optimalChunkSizeBytes(uint64(totalSize), min, 100*1024*1024, uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// Reduce chunk size for very large chunks to improve parallelism
	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max && max >= min {
		cs = max
	}

	return cs
}
