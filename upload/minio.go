package upload

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioParams ...
type MinioParams struct {
	// Endpoint is the host[:port] of the server, without scheme.
	Endpoint        string
	Secure          bool
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// PartSize is the multipart upload part size, chosen by the client if not set.
	PartSize int64
	// NumRetries is the number of upload attempts, 3 if not set.
	NumRetries   int
	SkipExisting bool
}

// MinioUploader uploads content sources through the MinIO client, to MinIO or any S3-compatible store.
type MinioUploader struct {
	client       *minio.Client
	bucket       string
	partSize     uint64
	numRetries   uint
	retryWait    time.Duration
	skipExisting bool
	logger       log.Logger
}

// NewMinioUploader ...
func NewMinioUploader(params MinioParams, logger log.Logger) (*MinioUploader, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint must not be empty", ErrInvalidParams)
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket must not be empty", ErrInvalidParams)
	}
	if params.PartSize != 0 && params.PartSize < minimumS3PartSize {
		return nil, fmt.Errorf("%w: part size must be at least %s", ErrInvalidParams, units.BytesSize(minimumS3PartSize))
	}
	if params.NumRetries <= 0 {
		params.NumRetries = defaultNumRetries
	}

	client, err := minio.New(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, ""),
		Secure: params.Secure,
		Region: params.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &MinioUploader{
		client:       client,
		bucket:       params.Bucket,
		partSize:     uint64(params.PartSize),
		numRetries:   uint(params.NumRetries),
		retryWait:    defaultRetryWait,
		skipExisting: params.SkipExisting,
		logger:       logger,
	}, nil
}

// Upload stores the content under object.Key.
func (u *MinioUploader) Upload(ctx context.Context, object Object, source contentsource.ContentSource) (Result, error) {
	object, err := validateObject(object)
	if err != nil {
		return Result{}, err
	}

	d, err := describe(source, true, u.logger)
	if err != nil {
		return Result{}, err
	}
	result := Result{Key: object.Key, Length: d.length, SHA1: d.sha1}

	if u.skipExisting {
		checksum, err := u.findChecksum(ctx, object.Key)
		if err != nil {
			return Result{}, fmt.Errorf("check existing object: %w", err)
		}
		if checksum == d.sha1 {
			u.logger.Donef("Object %s already exists with the same SHA1, skipping upload", object.Key)
			result.Skipped = true
			return result, nil
		}
	}

	u.logger.Debugf("Uploading %s (%s) to %s/%s", d.sha1, units.HumanSize(float64(d.length)), u.bucket, object.Key)
	verified := d.verified(source)
	err = retry.Times(u.numRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result.Attempts++

		body, err := verified.Open()
		if err != nil {
			return fmt.Errorf("open content: %w", err), ctx.Err() != nil
		}
		defer func() {
			if err := body.Close(); err != nil {
				u.logger.Errorf("Failed to close content: %s", err)
			}
		}()

		info, err := u.client.PutObject(ctx, u.bucket, object.Key, body, d.length, minio.PutObjectOptions{
			ContentType:  object.ContentType,
			UserMetadata: d.metadata(),
			PartSize:     u.partSize,
		})
		if err != nil {
			u.logger.Warnf("Upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("put object: %w", err), isCorruptContent(err) || ctx.Err() != nil
		}

		result.ID = info.ETag
		return nil, true
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload object: %w", err)
	}

	return result, nil
}

func (u *MinioUploader) findChecksum(ctx context.Context, key string) (string, error) {
	info, err := u.client.StatObject(ctx, u.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}

	return info.Metadata.Get("X-Amz-Meta-" + metadataSHA1), nil
}
