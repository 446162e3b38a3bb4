package main

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const (
	backendS3    = "s3"
	backendMinio = "minio"
	backendB2    = "b2"

	compressionNone = "none"
	compressionZstd = "zstd"
)

// Inputs are read from the environment.
type Inputs struct {
	// Paths are files or glob patterns, relative to RootDir.
	Paths     []string `env:"paths"`
	RootDir   string   `env:"root_dir"`
	SourceURL string   `env:"source_url"`
	// DownloadSource downloads SourceURL before uploading it, instead of streaming it on every attempt.
	DownloadSource bool   `env:"download_source"`
	KeyPrefix      string `env:"key_prefix"`
	ContentType    string `env:"content_type"`

	Compression      string `env:"compression"`
	CompressionLevel int    `env:"compression_level"`

	Backend         string          `env:"backend,opt[s3,minio,b2]"`
	Bucket          string          `env:"bucket,required"`
	Region          string          `env:"region"`
	Endpoint        string          `env:"endpoint"`
	AccessKeyID     stepconf.Secret `env:"access_key_id"`
	SecretAccessKey stepconf.Secret `env:"secret_access_key"`
	PartSize        string          `env:"part_size"`
	NumRetries      int             `env:"num_retries"`
	SkipExisting    bool            `env:"skip_existing"`
	Verbose         bool            `env:"verbose"`
}

// Config is the validated form of Inputs.
type Config struct {
	Inputs
	RootDir  string
	PartSize int64
}

func createConfig(inputs Inputs, pathModifier pathutil.PathModifier) (Config, error) {
	if len(inputs.Paths) == 0 && inputs.SourceURL == "" {
		return Config{}, fmt.Errorf("either paths or source_url should be set")
	}
	if len(inputs.Paths) > 0 && inputs.SourceURL != "" {
		return Config{}, fmt.Errorf("paths and source_url can't be set at the same time")
	}
	if inputs.SourceURL != "" {
		if _, err := sourceKey(inputs.SourceURL); err != nil {
			return Config{}, err
		}
	}

	rootDir := inputs.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	rootDir, err := pathModifier.AbsPath(rootDir)
	if err != nil {
		return Config{}, fmt.Errorf("root_dir: %w", err)
	}

	switch inputs.Compression {
	case "":
		inputs.Compression = compressionNone
	case compressionNone, compressionZstd:
	default:
		return Config{}, fmt.Errorf("unknown compression: %s", inputs.Compression)
	}
	if inputs.CompressionLevel < 0 || inputs.CompressionLevel > 19 {
		return Config{}, fmt.Errorf("compression level should be between 1 and 19")
	}
	if inputs.NumRetries < 0 {
		return Config{}, fmt.Errorf("num_retries should not be negative")
	}

	var partSize int64
	if inputs.PartSize != "" {
		partSize, err = units.RAMInBytes(inputs.PartSize)
		if err != nil {
			return Config{}, fmt.Errorf("part_size: %w", err)
		}
	}

	switch inputs.Backend {
	case backendS3:
		if inputs.Region == "" {
			return Config{}, fmt.Errorf("region is required for the %s backend", inputs.Backend)
		}
	case backendMinio:
		if inputs.Endpoint == "" {
			return Config{}, fmt.Errorf("endpoint is required for the %s backend", inputs.Backend)
		}
	case backendB2:
		if inputs.AccessKeyID == "" || inputs.SecretAccessKey == "" {
			return Config{}, fmt.Errorf("access_key_id and secret_access_key are required for the %s backend", inputs.Backend)
		}
	default:
		return Config{}, fmt.Errorf("unknown backend: %s", inputs.Backend)
	}

	return Config{
		Inputs:   inputs,
		RootDir:  rootDir,
		PartSize: partSize,
	}, nil
}

// sourceKey is the last path element of the URL.
func sourceKey(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("source_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("source_url: unsupported scheme: %s", u.Scheme)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("source_url: no file name in %s", sourceURL)
	}
	return name, nil
}

// objectKey prefixes name with the key prefix, using a slash as separator.
func (c Config) objectKey(name string) string {
	if c.KeyPrefix == "" {
		return name
	}
	return strings.TrimSuffix(c.KeyPrefix, "/") + "/" + name
}

// minioEndpoint splits the endpoint into the host and whether TLS is used.
func (c Config) minioEndpoint() (string, bool, error) {
	if !strings.Contains(c.Endpoint, "://") {
		return c.Endpoint, true, nil
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", false, fmt.Errorf("endpoint: %w", err)
	}
	return u.Host, u.Scheme == "https", nil
}
