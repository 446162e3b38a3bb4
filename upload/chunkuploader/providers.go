package chunkuploader

import (
	"fmt"
	"io"

	"github.com/bitrise-io/go-contentsource/contentsource"
)

// SourceChunkProvider slices a content source into fixed size chunks, the last one holding the remainder.
// Chunks are opened as ranges of the source, so they can be read in parallel and re-read on retries.
type SourceChunkProvider struct {
	source    contentsource.ContentSource
	size      int64
	chunkSize int64
	numChunks int
}

// NewSourceChunkProvider creates a ChunkProvider over src.
func NewSourceChunkProvider(src contentsource.ContentSource, chunkSize int64) (*SourceChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	size, err := src.ContentLength()
	if err != nil {
		return nil, fmt.Errorf("get content length: %w", err)
	}

	numChunks := int((size + chunkSize - 1) / chunkSize)
	if numChunks == 0 {
		numChunks = 1
	}

	return &SourceChunkProvider{
		source:    src,
		size:      size,
		chunkSize: chunkSize,
		numChunks: numChunks,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *SourceChunkProvider) NumChunks() int {
	return p.numChunks
}

// ChunkSize returns the size of the chunk at the given index.
func (p *SourceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.numChunks {
		return 0
	}
	if index == p.numChunks-1 {
		return p.size - int64(index)*p.chunkSize
	}
	return p.chunkSize
}

// GetChunk returns a reader for the chunk at the given index.
func (p *SourceChunkProvider) GetChunk(index int) (io.ReadCloser, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	rc, err := contentsource.OpenRange(p.source, int64(index)*p.chunkSize, p.ChunkSize(index))
	if err != nil {
		return nil, fmt.Errorf("open chunk %d: %w", index+1, err)
	}
	return rc, nil
}
