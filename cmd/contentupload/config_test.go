package main

import (
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInputs() Inputs {
	return Inputs{
		Paths:   []string{"**/*.apk"},
		RootDir: "/tmp/build",
		Backend: backendS3,
		Bucket:  "bucket",
		Region:  "us-east-1",
	}
}

func Test_createConfig(t *testing.T) {
	config, err := createConfig(validInputs(), pathutil.NewPathModifier())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/build", config.RootDir)
	assert.Equal(t, compressionNone, config.Compression)
	assert.Equal(t, int64(0), config.PartSize)
}

func Test_createConfig_PartSize(t *testing.T) {
	inputs := validInputs()
	inputs.PartSize = "100MB"

	config, err := createConfig(inputs, pathutil.NewPathModifier())
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024*1024), config.PartSize)
}

func Test_createConfig_RelativeRootDir(t *testing.T) {
	inputs := validInputs()
	inputs.RootDir = ""

	config, err := createConfig(inputs, pathutil.NewPathModifier())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(config.RootDir))
}

func Test_createConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Inputs)
	}{
		{name: "no content", modify: func(i *Inputs) { i.Paths = nil }},
		{name: "paths and url", modify: func(i *Inputs) { i.SourceURL = "https://example.com/a.bin" }},
		{name: "url without file name", modify: func(i *Inputs) { i.Paths = nil; i.SourceURL = "https://example.com/" }},
		{name: "url with unsupported scheme", modify: func(i *Inputs) { i.Paths = nil; i.SourceURL = "ftp://example.com/a.bin" }},
		{name: "unknown compression", modify: func(i *Inputs) { i.Compression = "gzip" }},
		{name: "compression level", modify: func(i *Inputs) { i.CompressionLevel = 20 }},
		{name: "invalid part size", modify: func(i *Inputs) { i.PartSize = "a lot" }},
		{name: "s3 without region", modify: func(i *Inputs) { i.Region = "" }},
		{name: "minio without endpoint", modify: func(i *Inputs) { i.Backend = backendMinio }},
		{name: "b2 without keys", modify: func(i *Inputs) { i.Backend = backendB2 }},
		{name: "unknown backend", modify: func(i *Inputs) { i.Backend = "gcs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := validInputs()
			tt.modify(&inputs)
			_, err := createConfig(inputs, pathutil.NewPathModifier())
			assert.Error(t, err)
		})
	}
}

func Test_sourceKey(t *testing.T) {
	key, err := sourceKey("https://example.com/builds/42/app.apk?token=abc")
	require.NoError(t, err)
	assert.Equal(t, "app.apk", key)
}

func TestConfig_objectKey(t *testing.T) {
	assert.Equal(t, "app.apk", Config{}.objectKey("app.apk"))
	assert.Equal(t, "builds/42/app.apk", Config{Inputs: Inputs{KeyPrefix: "builds/42/"}}.objectKey("app.apk"))
	assert.Equal(t, "builds/42/app.apk", Config{Inputs: Inputs{KeyPrefix: "builds/42"}}.objectKey("app.apk"))
}

func TestConfig_minioEndpoint(t *testing.T) {
	tests := []struct {
		endpoint   string
		wantHost   string
		wantSecure bool
	}{
		{endpoint: "play.min.io", wantHost: "play.min.io", wantSecure: true},
		{endpoint: "http://localhost:9000", wantHost: "localhost:9000", wantSecure: false},
		{endpoint: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			host, secure, err := Config{Inputs: Inputs{Endpoint: tt.endpoint}}.minioEndpoint()
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}
