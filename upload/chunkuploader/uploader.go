package chunkuploader

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader handles parallel chunk uploads with retry and hung detection.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config) *Uploader {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxRetryPerChunk < 1 {
		config.MaxRetryPerChunk = 1
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
}

// Upload uploads all chunks from the provider to the given URLs in parallel.
// Returns the tags (and checksums) in the same order as the URLs.
func (u *Uploader) Upload(ctx context.Context, provider ChunkProvider, urls []UploadURL) (*UploadResult, error) {
	numChunks := provider.NumChunks()
	if numChunks != len(urls) {
		return nil, fmt.Errorf("chunk count mismatch: provider has %d chunks, but %d URLs provided", numChunks, len(urls))
	}

	if numChunks == 0 {
		return &UploadResult{Tags: []string{}, Checksums: []string{}}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan ChunkResult, numChunks)
	semaphore := make(chan struct{}, u.config.Concurrency)

	// Launch parallel uploads
	for i := 0; i < numChunks; i++ {
		go func(index int, url UploadURL) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			tag, checksum, err := u.uploadChunkWithRetry(ctx, provider, url, index, numChunks)
			resultChan <- ChunkResult{
				Index:    index,
				Tag:      tag,
				Checksum: checksum,
				Err:      err,
			}
		}(i, urls[i])
	}

	// Collect results
	result := &UploadResult{
		Tags:      make([]string, numChunks),
		Checksums: make([]string, numChunks),
	}
	completedChunks := 0
	for completedChunks < numChunks {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for chunks: %w", ctx.Err())
		case chunk := <-resultChan:
			completedChunks++
			if chunk.Err != nil {
				return nil, fmt.Errorf("chunk %d failed after %d attempts: %w",
					chunk.Index+1, u.config.MaxRetryPerChunk, chunk.Err)
			}
			result.Tags[chunk.Index] = chunk.Tag
			result.Checksums[chunk.Index] = chunk.Checksum
		}
	}

	u.logger.Debugf("Uploaded %d chunks (%s) in %s total chunk time",
		numChunks, units.HumanSize(float64(u.stats.UploadedBytes())), u.stats.TotalDuration().Round(time.Millisecond))

	return result, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	if transport, ok := u.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, provider ChunkProvider, url UploadURL, index, totalChunks int) (string, string, error) {
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		default:
		}

		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, totalChunks, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Second))

		start := time.Now()

		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// Start hung detection goroutine (except on last retry)
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, index)
		}

		var tag, checksum string
		var size int64
		tag, checksum, size, uploadErr = u.uploadChunk(chunkCtx, provider, url, index)
		hung := chunkCtx.Err() == context.Canceled
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, size)
			u.logger.Infof("Chunk %d uploaded successfully in %v, tag: %s",
				index+1, took.Round(time.Second), tag)
			return tag, checksum, nil
		}

		u.logger.Warnf("Chunk %d attempt %d failed: %v", index+1, attempt+1, uploadErr)

		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		default:
			if hung && attempt < u.config.MaxRetryPerChunk-1 {
				// Hung detection cancelled this request, retry with backoff
				backoff := time.Duration((attempt+1)*2) * time.Second
				u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
				time.Sleep(backoff)
			}
		}
	}

	return "", "", fmt.Errorf("upload chunk %d: %w", index+1, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) uploadChunk(ctx context.Context, provider ChunkProvider, url UploadURL, index int) (string, string, int64, error) {
	reader, err := provider.GetChunk(index)
	if err != nil {
		return "", "", 0, fmt.Errorf("get chunk %d: %w", index+1, err)
	}

	// The chunk is read into memory: its checksum has to be sent ahead of the bytes,
	// and the length is verified before anything goes over the wire.
	data, err := io.ReadAll(reader)
	closeErr := reader.Close()
	if err != nil {
		return "", "", 0, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	if closeErr != nil {
		u.logger.Errorf("Failed to close chunk %d: %s", index+1, closeErr)
	}
	if expected := provider.ChunkSize(index); int64(len(data)) != expected {
		return "", "", 0, fmt.Errorf("chunk %d size mismatch, expected %d, got %d", index+1, expected, len(data))
	}

	req, err := http.NewRequestWithContext(ctx, url.Method, url.URL, bytes.NewReader(data))
	if err != nil {
		return "", "", 0, fmt.Errorf("create request: %w", err)
	}

	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	var checksum string
	if u.config.ChecksumHeader != "" {
		sum := sha1.Sum(data)
		checksum = hex.EncodeToString(sum[:])
		req.Header.Set(u.config.ChecksumHeader, checksum)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", "", 0, fmt.Errorf("chunk upload cancelled: %w", ctx.Err())
		}
		return "", "", 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", "", 0, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(errorBody[:n]))
	}

	tag := resp.Header.Get("ETag")
	if tag == "" {
		if checksum == "" {
			return "", "", 0, fmt.Errorf("no ETag in response")
		}
		tag = checksum
	}

	return tag, checksum, int64(len(data)), nil
}
