package upload

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	defaultNumRetries = 3
	defaultRetryWait  = 5 * time.Second
	defaultS3PartSize = 10 * 1024 * 1024
	minimumS3PartSize = 5 * 1024 * 1024
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points the client to an S3-compatible store (such as MinIO or the S3 API of Backblaze B2).
	Endpoint     string
	UsePathStyle bool
	// PartSize is the multipart upload part size, 10MB if not set. Contents up to this size are sent in one request.
	PartSize int64
	// NumRetries is the number of upload attempts, 3 if not set.
	NumRetries int
	// SkipExisting skips the upload if the object already exists with the same SHA1.
	SkipExisting bool
}

// S3Uploader uploads content sources to an S3 bucket.
type S3Uploader struct {
	client       *s3.Client
	bucket       string
	partSize     int64
	numRetries   uint
	retryWait    time.Duration
	skipExisting bool
	logger       log.Logger
}

// NewS3Uploader ...
func NewS3Uploader(ctx context.Context, params S3Params, logger log.Logger) (*S3Uploader, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket must not be empty", ErrInvalidParams)
	}
	if params.PartSize == 0 {
		params.PartSize = defaultS3PartSize
	}
	if params.PartSize < minimumS3PartSize {
		return nil, fmt.Errorf("%w: part size must be at least %s", ErrInvalidParams, units.BytesSize(minimumS3PartSize))
	}
	if params.NumRetries <= 0 {
		params.NumRetries = defaultNumRetries
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return &S3Uploader{
		client:       client,
		bucket:       params.Bucket,
		partSize:     params.PartSize,
		numRetries:   uint(params.NumRetries),
		retryWait:    defaultRetryWait,
		skipExisting: params.SkipExisting,
		logger:       logger,
	}, nil
}

// Upload stores the content under object.Key.
// If the object exists with the same SHA1 and SkipExisting is set, nothing is uploaded.
// Otherwise the content is uploaded, overwriting the existing object.
func (u *S3Uploader) Upload(ctx context.Context, object Object, source contentsource.ContentSource) (Result, error) {
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
		checksum, err := u.findChecksumWithRetry(ctx, object.Key)
		if err != nil {
			return Result{}, fmt.Errorf("check existing object: %w", err)
		}
		if checksum == d.sha1 {
			u.logger.Donef("Object %s already exists with the same SHA1, skipping upload", object.Key)
			result.Skipped = true
			return result, nil
		}
	}

	u.logger.Debugf("Uploading %s (%s) to s3://%s/%s", d.sha1, units.HumanSize(float64(d.length)), u.bucket, object.Key)
	if err := u.putObjectWithRetry(ctx, object, d, d.verified(source), &result); err != nil {
		return Result{}, fmt.Errorf("upload object: %w", err)
	}

	return result, nil
}

// findChecksumWithRetry returns the SHA1 of the object stored under key,
// from its metadata or from the checksum S3 keeps. It returns an empty string if the object doesn't exist.
func (u *S3Uploader) findChecksumWithRetry(ctx context.Context, key string) (string, error) {
	var checksum string
	err := retry.Times(u.numRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:       aws.String(u.bucket),
			Key:          aws.String(key),
			ChecksumMode: types.ChecksumModeEnabled,
		})
		if err != nil {
			if isNotFound(err) {
				checksum = ""
				return nil, true
			}
			return fmt.Errorf("head object: %w", err), ctx.Err() != nil
		}

		if sha1, ok := output.Metadata[metadataSHA1]; ok {
			checksum = sha1
			return nil, true
		}
		if output.ChecksumSHA1 != nil {
			decoded, err := base64.StdEncoding.DecodeString(*output.ChecksumSHA1)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}
			checksum = hex.EncodeToString(decoded)
		}
		return nil, true
	})

	return checksum, err
}

func (u *S3Uploader) putObjectWithRetry(ctx context.Context, object Object, d description, source contentsource.ContentSource, result *Result) error {
	uploader := manager.NewUploader(u.client, func(mu *manager.Uploader) {
		mu.PartSize = u.partSize
	})

	return retry.Times(u.numRetries).Wait(u.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result.Attempts++

		body, err := source.Open()
		if err != nil {
			return fmt.Errorf("open content: %w", err), ctx.Err() != nil
		}
		defer func() {
			if err := body.Close(); err != nil {
				u.logger.Errorf("Failed to close content: %s", err)
			}
		}()

		input := &s3.PutObjectInput{
			Body:          body,
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(object.Key),
			ContentType:   aws.String(object.ContentType),
			ContentLength: aws.Int64(d.length),
			Metadata:      d.metadata(),
		}
		if d.length <= u.partSize {
			checksum, err := base64SHA1(d.sha1)
			if err != nil {
				return err, true
			}
			input.ChecksumSHA1 = aws.String(checksum)
		} else {
			input.ChecksumAlgorithm = types.ChecksumAlgorithmSha1
		}

		output, err := uploader.Upload(ctx, input)
		if err != nil {
			u.logger.Warnf("Upload attempt %d failed: %s", attempt+1, err)
			return fmt.Errorf("put object: %w", err), isCorruptContent(err) || ctx.Err() != nil
		}

		result.ID = aws.ToString(output.ETag)
		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("%w: region must not be empty", ErrInvalidParams)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return true
		}
	}
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) {
		return responseError.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isCorruptContent(err error) bool {
	return errors.Is(err, contentsource.ErrChecksumMismatch) || errors.Is(err, contentsource.ErrLengthMismatch)
}

func base64SHA1(sha1 string) (string, error) {
	raw, err := hex.DecodeString(sha1)
	if err != nil || len(raw) != 20 {
		return "", fmt.Errorf("invalid SHA1: %q", sha1)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
