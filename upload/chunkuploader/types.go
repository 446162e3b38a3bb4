// Package chunkuploader uploads the parts of a large content in parallel to per-part URLs,
// with hung request detection and retries.
package chunkuploader

import (
	"io"
)

// UploadURL represents the request uploading a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) (io.ReadCloser, error)
}

// ChunkResult represents the result of uploading a single chunk.
type ChunkResult struct {
	Index    int
	Tag      string
	Checksum string
	Err      error
}

// UploadResult represents the result of uploading all chunks.
type UploadResult struct {
	// Tags are the ETags of the chunks, or their checksums when the server doesn't send ETags.
	Tags []string
	// Checksums are the hex-encoded SHA1s of the chunks, filled when Config.ChecksumHeader is set.
	Checksums []string
}
