// Command contentupload uploads local files or a remote resource to an object store.
//
// It is configured through environment variables, see Inputs.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-contentsource/upload"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
)

type content struct {
	object upload.Object
	source contentsource.ContentSource
}

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	var inputs Inputs
	if err := stepconf.NewInputParser(env.NewRepository()).Parse(&inputs); err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	stepconf.Print(inputs)
	logger.Println()
	logger.EnableDebugLog(inputs.Verbose)

	config, err := createConfig(inputs, pathutil.NewPathModifier())
	if err != nil {
		return fmt.Errorf("invalid inputs: %w", err)
	}

	ctx := context.Background()
	uploader, err := newUploader(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("failed to create %s uploader: %w", config.Backend, err)
	}

	tracker := upload.NewTracker(config.Backend, env.NewRepository(), logger)
	defer tracker.Wait()

	tmpDir, err := pathutil.NewPathProvider().CreateTempDir("contentupload")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warnf("Failed to remove temp dir: %s", err)
		}
	}()

	contents, err := collectContents(ctx, config, tmpDir, logger)
	if err != nil {
		return err
	}
	logger.Infof("Uploading %d file(s) to %s", len(contents), config.Backend)

	return uploadAll(ctx, upload.Tracked(uploader, tracker), config, contents, tmpDir, logger)
}

func newUploader(ctx context.Context, config Config, logger log.Logger) (upload.Uploader, error) {
	switch config.Backend {
	case backendS3:
		return upload.NewS3Uploader(ctx, upload.S3Params{
			Bucket:          config.Bucket,
			Region:          config.Region,
			AccessKeyID:     string(config.AccessKeyID),
			SecretAccessKey: string(config.SecretAccessKey),
			Endpoint:        config.Endpoint,
			UsePathStyle:    config.Endpoint != "",
			PartSize:        config.PartSize,
			NumRetries:      config.NumRetries,
			SkipExisting:    config.SkipExisting,
		}, logger)
	case backendMinio:
		host, secure, err := config.minioEndpoint()
		if err != nil {
			return nil, err
		}
		return upload.NewMinioUploader(upload.MinioParams{
			Endpoint:        host,
			Secure:          secure,
			Bucket:          config.Bucket,
			Region:          config.Region,
			AccessKeyID:     string(config.AccessKeyID),
			SecretAccessKey: string(config.SecretAccessKey),
			PartSize:        config.PartSize,
			NumRetries:      config.NumRetries,
			SkipExisting:    config.SkipExisting,
		}, logger)
	case backendB2:
		if config.SkipExisting {
			logger.Warnf("skip_existing is not supported by the %s backend, every file is uploaded", config.Backend)
		}
		return upload.NewB2Uploader(ctx, upload.B2Params{
			BaseURL:        config.Endpoint,
			KeyID:          string(config.AccessKeyID),
			ApplicationKey: string(config.SecretAccessKey),
			BucketID:       config.Bucket,
			PartSize:       config.PartSize,
			NumRetries:     config.NumRetries,
		}, logger)
	}
	return nil, fmt.Errorf("unknown backend: %s", config.Backend)
}

func collectContents(ctx context.Context, config Config, tmpDir string, logger log.Logger) ([]content, error) {
	if config.SourceURL != "" {
		name, err := sourceKey(config.SourceURL)
		if err != nil {
			return nil, err
		}
		object := upload.Object{Key: config.objectKey(name), ContentType: config.ContentType}

		if !config.DownloadSource {
			return []content{{object: object, source: contentsource.NewHTTP(retryhttp.NewClient(logger), config.SourceURL)}}, nil
		}

		logger.Printf("Downloading %s", config.SourceURL)
		file, err := contentsource.Fetch(ctx, nil, config.SourceURL, filepath.Join(tmpDir, name), logger)
		if err != nil {
			return nil, fmt.Errorf("download source: %w", err)
		}
		return []content{{object: object, source: file}}, nil
	}

	files, err := contentsource.Glob(config.RootDir, config.Paths...)
	if err != nil {
		return nil, fmt.Errorf("evaluate paths: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files match the paths")
	}

	contents := make([]content, 0, len(files))
	for _, file := range files {
		rel, err := filepath.Rel(config.RootDir, file.Path())
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(file.Path())
		}
		contents = append(contents, content{
			object: upload.Object{Key: config.objectKey(filepath.ToSlash(rel)), ContentType: config.ContentType},
			source: file,
		})
	}
	return contents, nil
}

func uploadAll(ctx context.Context, uploader upload.Uploader, config Config, contents []content, tmpDir string, logger log.Logger) error {
	var failed int
	for _, c := range contents {
		logger.Println()
		if err := uploadContent(ctx, uploader, config, c, tmpDir, logger); err != nil {
			logger.Errorf("Failed to upload %s: %s", c.object.Key, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(contents))
	}
	return nil
}

func uploadContent(ctx context.Context, uploader upload.Uploader, config Config, c content, tmpDir string, logger log.Logger) error {
	if config.Compression == compressionZstd {
		start := time.Now()
		compressed, err := contentsource.Compress(tmpDir, c.source, config.CompressionLevel)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		defer func() {
			if err := compressed.Close(); err != nil {
				logger.Warnf("Failed to remove compressed file: %s", err)
			}
		}()

		size, err := compressed.ContentLength()
		if err != nil {
			return err
		}
		logger.Debugf("Compressed %s to %s in %s", c.object.Key, units.HumanSize(float64(size)), time.Since(start).Round(time.Millisecond))

		c.source = compressed
		c.object.Key += ".zst"
		if c.object.ContentType == "" {
			c.object.ContentType = "application/zstd"
		}
	}

	logger.Printf("Uploading %s", c.object.Key)
	result, err := uploader.Upload(ctx, c.object, c.source)
	if err != nil {
		return err
	}

	if result.Skipped {
		logger.Donef("%s is already uploaded (SHA1: %s)", result.Key, result.SHA1)
		return nil
	}
	logger.Donef("Uploaded %s (%s, SHA1: %s, ID: %s)", result.Key, units.HumanSize(float64(result.Length)), result.SHA1, result.ID)
	return nil
}
