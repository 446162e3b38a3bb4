package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-contentsource/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultB2BaseURL is where accounts are authorized.
const DefaultB2BaseURL = "https://api.backblazeb2.com"

const (
	b2ContentTypeAuto   = "b2/x-auto"
	b2HexDigitsAtEnd    = "hex_digits_at_end"
	b2InfoHeaderPrefix  = "X-Bz-Info-"
	b2LargeFileSHA1Info = "large_file_sha1"
	b2MaxParts          = 10000
	b2PartHungThreshold = 30 * time.Second
)

// B2Params ...
type B2Params struct {
	// BaseURL defaults to DefaultB2BaseURL.
	BaseURL        string
	KeyID          string
	ApplicationKey string
	BucketID       string
	// PartSize is the size of large file parts, the account's recommended part size if not set.
	// Contents larger than this are uploaded as large files.
	PartSize int64
	// NumRetries is the number of upload attempts (per part for large files), 3 if not set.
	NumRetries int
	// Concurrency is the number of parts uploaded in parallel.
	Concurrency int
	// ComputeSHA1 reads the content once more to compute its SHA1 when the source doesn't know it.
	// Otherwise the SHA1 is computed while uploading and sent after the content.
	ComputeSHA1 bool
}

// B2Uploader uploads content sources through the Backblaze B2 native API.
type B2Uploader struct {
	api         *b2APIClient
	bucketID    string
	partSize    int64
	numRetries  uint
	retryWait   time.Duration
	concurrency int
	computeSHA1 bool
	logger      log.Logger
}

// NewB2Uploader authorizes the account and returns an uploader for the bucket.
func NewB2Uploader(ctx context.Context, params B2Params, logger log.Logger) (*B2Uploader, error) {
	if params.KeyID == "" || params.ApplicationKey == "" {
		return nil, fmt.Errorf("%w: key ID and application key must not be empty", ErrInvalidParams)
	}
	if params.BucketID == "" {
		return nil, fmt.Errorf("%w: bucket ID must not be empty", ErrInvalidParams)
	}
	if params.BaseURL == "" {
		params.BaseURL = DefaultB2BaseURL
	}
	if params.NumRetries <= 0 {
		params.NumRetries = defaultNumRetries
	}
	if params.Concurrency <= 0 {
		params.Concurrency = chunkuploader.DefaultConcurrency()
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = checkB2Retry
	api := newB2APIClient(client, params.BaseURL, params.KeyID, params.ApplicationKey, logger)
	auth, err := api.authorizeAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("authorize account: %w", err)
	}

	partSize := params.PartSize
	if partSize == 0 {
		partSize = auth.RecommendedPartSize
	}
	if partSize < auth.AbsoluteMinimumPartSize || partSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be at least %s", ErrInvalidParams, units.BytesSize(float64(auth.AbsoluteMinimumPartSize)))
	}
	logger.Debugf("Account authorized, part size: %s", units.BytesSize(float64(partSize)))

	return &B2Uploader{
		api:         api,
		bucketID:    params.BucketID,
		partSize:    partSize,
		numRetries:  uint(params.NumRetries),
		retryWait:   defaultRetryWait,
		concurrency: params.Concurrency,
		computeSHA1: params.ComputeSHA1,
		logger:      logger,
	}, nil
}

// Upload stores the content as a file named object.Key. An empty content type lets B2 pick one from the name.
func (u *B2Uploader) Upload(ctx context.Context, object Object, source contentsource.ContentSource) (Result, error) {
	if object.ContentType == "" {
		object.ContentType = b2ContentTypeAuto
	}
	object, err := validateObject(object)
	if err != nil {
		return Result{}, err
	}

	d, err := describe(source, u.computeSHA1, u.logger)
	if err != nil {
		return Result{}, err
	}
	result := Result{Key: object.Key, Length: d.length, SHA1: d.sha1}

	if d.length > u.partSize {
		err = u.uploadLargeFile(ctx, object, d, source, &result)
	} else {
		err = u.uploadFile(ctx, object, d, source, &result)
	}
	if err != nil {
		return Result{}, err
	}

	return result, nil
}

func (u *B2Uploader) uploadFile(ctx context.Context, object Object, d description, source contentsource.ContentSource, result *Result) error {
	headers := map[string]string{
		"X-Bz-File-Name": encodeB2FileName(object.Key),
		"Content-Type":   object.ContentType,
	}
	if d.hasLastModified {
		headers[b2InfoHeaderPrefix+metadataLastModified] = strconv.FormatInt(contentsource.Millis(d.lastModified), 10)
	}

	size := d.length
	if d.hasSHA1 {
		headers["X-Bz-Content-Sha1"] = d.sha1
	} else {
		headers["X-Bz-Content-Sha1"] = b2HexDigitsAtEnd
		size += sha1.Size * 2
	}

	verified := d.verified(source)
	body := func() (io.Reader, error) {
		if size == 0 {
			return http.NoBody, nil
		}
		rc, err := verified.Open()
		if err != nil {
			return nil, err
		}
		if !d.hasSHA1 {
			return newSHA1AtEndReader(rc), nil
		}
		return rc, nil
	}

	u.logger.Debugf("Uploading %s (%s)", object.Key, units.HumanSize(float64(d.length)))
	err := retry.Times(u.numRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result.Attempts++

		uploadURL, err := u.api.getUploadURL(ctx, u.bucketID)
		if err != nil {
			return fmt.Errorf("get upload URL: %w", err), !isRetryableB2Error(err) || ctx.Err() != nil
		}

		file, err := u.api.uploadFile(ctx, uploadURL, headers, retryablehttp.ReaderFunc(body), size)
		if err != nil {
			u.logger.Warnf("Upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("upload file: %w", err), !isRetryableB2Error(err) || isCorruptContent(err) || ctx.Err() != nil
		}

		result.ID = file.FileID
		if !d.hasSHA1 {
			result.SHA1 = strings.TrimPrefix(file.ContentSha1, "unverified:")
		}
		return nil, true
	})
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}

	return nil
}

func (u *B2Uploader) uploadLargeFile(ctx context.Context, object Object, d description, source contentsource.ContentSource, result *Result) error {
	partSize := u.partSize
	if (d.length+partSize-1)/partSize > b2MaxParts {
		partSize = (d.length + b2MaxParts - 1) / b2MaxParts
	}

	provider, err := chunkuploader.NewSourceChunkProvider(source, partSize)
	if err != nil {
		return fmt.Errorf("create part provider: %w", err)
	}

	fileInfo := map[string]string{}
	if d.hasSHA1 {
		fileInfo[b2LargeFileSHA1Info] = d.sha1
	}
	if d.hasLastModified {
		fileInfo[metadataLastModified] = strconv.FormatInt(contentsource.Millis(d.lastModified), 10)
	}

	u.logger.Debugf("Uploading %s (%s) as a large file in %d parts", object.Key, units.HumanSize(float64(d.length)), provider.NumChunks())
	result.Attempts = 1

	file, err := u.api.startLargeFile(ctx, startLargeFileRequest{
		BucketID:    u.bucketID,
		FileName:    object.Key,
		ContentType: object.ContentType,
		FileInfo:    fileInfo,
	})
	if err != nil {
		return fmt.Errorf("start large file: %w", err)
	}

	partSHA1s, err := u.uploadParts(ctx, file.FileID, provider)
	if err != nil {
		u.cancelLargeFile(ctx, file.FileID)
		return err
	}

	// Parts are checked one by one, the large_file_sha1 info has to match the whole content.
	if d.hasSHA1 {
		if err := d.verify(source); err != nil {
			u.cancelLargeFile(ctx, file.FileID)
			return err
		}
	}

	finished, err := u.api.finishLargeFile(ctx, file.FileID, partSHA1s)
	if err != nil {
		u.cancelLargeFile(ctx, file.FileID)
		return fmt.Errorf("finish large file: %w", err)
	}
	result.ID = finished.FileID

	return nil
}

// uploadParts uploads every part to its own part URL, part URLs can't be used by parallel requests.
func (u *B2Uploader) uploadParts(ctx context.Context, fileID string, provider *chunkuploader.SourceChunkProvider) ([]string, error) {
	urls := make([]chunkuploader.UploadURL, provider.NumChunks())
	for i := range urls {
		partURL, err := u.api.getUploadPartURL(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("get upload part URL: %w", err)
		}
		urls[i] = chunkuploader.UploadURL{
			Method: http.MethodPost,
			URL:    partURL.UploadURL,
			Headers: map[string]string{
				"Authorization":    partURL.AuthorizationToken,
				"X-Bz-Part-Number": strconv.Itoa(i + 1),
			},
		}
	}

	uploader := chunkuploader.New(chunkuploader.Config{
		Concurrency:      u.concurrency,
		MaxRetryPerChunk: int(u.numRetries),
		HungThreshold:    b2PartHungThreshold,
		ChecksumHeader:   "X-Bz-Content-Sha1",
		Logger:           u.logger,
	})
	defer uploader.CloseIdleConnections()

	parts, err := uploader.Upload(ctx, provider, urls)
	if err != nil {
		return nil, fmt.Errorf("upload parts: %w", err)
	}

	return parts.Checksums, nil
}

func (u *B2Uploader) cancelLargeFile(ctx context.Context, fileID string) {
	// The upload context may be done already, the unfinished file still has to be cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := u.api.cancelLargeFile(ctx, fileID); err != nil {
		u.logger.Warnf("Failed to cancel large file %s: %s", fileID, err)
	}
}

// checkB2Retry doesn't retry requests whose body failed verification, the content would fail again.
func checkB2Retry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if isCorruptContent(err) {
		return false, err
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func isRetryableB2Error(err error) bool {
	var apiErr *b2Error
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.Status >= 500, apiErr.Status == http.StatusRequestTimeout, apiErr.Status == http.StatusTooManyRequests:
		return true
	case apiErr.Status == http.StatusUnauthorized:
		// Upload URL tokens expire, the next attempt gets a new upload URL.
		return apiErr.Code == "expired_auth_token" || apiErr.Code == "bad_auth_token"
	}
	return false
}

// encodeB2FileName percent-encodes the name, keeping the path separators.
func encodeB2FileName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), "%2F", "/")
}

// sha1AtEndReader appends the hex encoded SHA1 of the content to the content.
type sha1AtEndReader struct {
	rc     io.ReadCloser
	hash   hash.Hash
	done   bool
	digest []byte
}

func newSHA1AtEndReader(rc io.ReadCloser) *sha1AtEndReader {
	return &sha1AtEndReader{rc: rc, hash: sha1.New()}
}

func (r *sha1AtEndReader) Read(p []byte) (int, error) {
	if !r.done {
		n, err := r.rc.Read(p)
		r.hash.Write(p[:n])
		if err != io.EOF {
			return n, err
		}
		r.done = true
		r.digest = []byte(hex.EncodeToString(r.hash.Sum(nil)))
		if n > 0 {
			return n, nil
		}
	}

	if len(r.digest) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.digest)
	r.digest = r.digest[n:]
	return n, nil
}

func (r *sha1AtEndReader) Close() error {
	return r.rc.Close()
}
