package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type b2StoredFile struct {
	name        string
	contentType string
	sha1        string
	data        []byte
	info        map[string]string
}

type b2LargeFile struct {
	request startLargeFileRequest
	parts   map[int][]byte
}

// fakeB2 implements the parts of the B2 native API used by the uploader.
type fakeB2 struct {
	t      *testing.T
	server *httptest.Server

	recommendedPartSize int64
	minimumPartSize     int64
	failPart            int

	mu             sync.Mutex
	authorizations int
	token          string
	expireToken    bool
	uploadURLs     int
	partURLs       int
	files          map[string]b2StoredFile
	largeFiles     map[string]*b2LargeFile
	cancelled      []string
}

func newFakeB2(t *testing.T) *fakeB2 {
	b := &fakeB2{
		t:                   t,
		recommendedPartSize: 100,
		minimumPartSize:     5,
		files:               map[string]b2StoredFile{},
		largeFiles:          map[string]*b2LargeFile{},
	}
	b.server = httptest.NewServer(b)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeB2) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(b.t, json.NewEncoder(w).Encode(v))
}

func (b *fakeB2) writeError(w http.ResponseWriter, status int, code, message string) {
	b.writeJSON(w, status, b2Error{Status: status, Code: code, Message: message})
}

func (b *fakeB2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.URL.Path == "/b2api/v2/b2_authorize_account":
		b.authorize(w, r)
	case strings.HasPrefix(r.URL.Path, "/b2api/v2/"):
		if r.Header.Get("Authorization") != b.token || b.expireToken {
			b.expireToken = false
			b.writeError(w, http.StatusUnauthorized, "expired_auth_token", "authorization token is expired")
			return
		}
		b.api(w, r, strings.TrimPrefix(r.URL.Path, "/b2api/v2/"))
	case r.URL.Path == "/upload":
		b.uploadFile(w, r)
	case strings.HasPrefix(r.URL.Path, "/upload_part/"):
		b.uploadPart(w, r, strings.TrimPrefix(r.URL.Path, "/upload_part/"))
	default:
		b.writeError(w, http.StatusNotFound, "not_found", r.URL.Path)
	}
}

func (b *fakeB2) authorize(w http.ResponseWriter, r *http.Request) {
	keyID, appKey, ok := r.BasicAuth()
	if !ok || keyID != "key-id" || appKey != "app-key" {
		b.writeError(w, http.StatusUnauthorized, "unauthorized", "bad credentials")
		return
	}
	b.authorizations++
	b.token = fmt.Sprintf("account-token-%d", b.authorizations)
	b.writeJSON(w, http.StatusOK, authorizeAccountResponse{
		AccountID:               "account",
		AuthorizationToken:      b.token,
		APIURL:                  b.server.URL,
		DownloadURL:             b.server.URL,
		RecommendedPartSize:     b.recommendedPartSize,
		AbsoluteMinimumPartSize: b.minimumPartSize,
	})
}

func (b *fakeB2) api(w http.ResponseWriter, r *http.Request, operation string) {
	switch operation {
	case "b2_get_upload_url":
		var req getUploadURLRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(b.t, "bucket-id", req.BucketID)
		b.uploadURLs++
		b.writeJSON(w, http.StatusOK, uploadURLResponse{
			UploadURL:          b.server.URL + "/upload",
			AuthorizationToken: "upload-token",
		})
	case "b2_start_large_file":
		var req startLargeFileRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		fileID := fmt.Sprintf("large-%d", len(b.largeFiles)+1)
		b.largeFiles[fileID] = &b2LargeFile{request: req, parts: map[int][]byte{}}
		b.writeJSON(w, http.StatusOK, fileResponse{FileID: fileID, FileName: req.FileName})
	case "b2_get_upload_part_url":
		var req fileIDRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		b.partURLs++
		b.writeJSON(w, http.StatusOK, uploadURLResponse{
			UploadURL:          b.server.URL + "/upload_part/" + req.FileID,
			AuthorizationToken: fmt.Sprintf("part-token-%d", b.partURLs),
		})
	case "b2_finish_large_file":
		var req finishLargeFileRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		large, ok := b.largeFiles[req.FileID]
		if !ok {
			b.writeError(w, http.StatusBadRequest, "bad_request", "no such file")
			return
		}
		var data []byte
		for i, sha := range req.PartSha1Array {
			part := large.parts[i+1]
			sum := sha1.Sum(part)
			if hex.EncodeToString(sum[:]) != sha {
				b.writeError(w, http.StatusBadRequest, "bad_request", "part checksum mismatch")
				return
			}
			data = append(data, part...)
		}
		b.files[large.request.FileName] = b2StoredFile{
			name:        large.request.FileName,
			contentType: large.request.ContentType,
			sha1:        "none",
			data:        data,
			info:        large.request.FileInfo,
		}
		b.writeJSON(w, http.StatusOK, fileResponse{FileID: req.FileID, FileName: large.request.FileName, ContentLength: int64(len(data)), ContentSha1: "none"})
	case "b2_cancel_large_file":
		var req fileIDRequest
		assert.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		b.cancelled = append(b.cancelled, req.FileID)
		delete(b.largeFiles, req.FileID)
		b.writeJSON(w, http.StatusOK, fileResponse{FileID: req.FileID})
	default:
		b.writeError(w, http.StatusBadRequest, "bad_request", "unknown operation "+operation)
	}
}

func (b *fakeB2) uploadFile(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "upload-token" {
		b.writeError(w, http.StatusUnauthorized, "bad_auth_token", "invalid upload token")
		return
	}
	name, err := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
	assert.NoError(b.t, err)

	body, err := io.ReadAll(r.Body)
	assert.NoError(b.t, err)
	assert.Equal(b.t, r.ContentLength, int64(len(body)))

	expectedSHA1 := r.Header.Get("X-Bz-Content-Sha1")
	if expectedSHA1 == b2HexDigitsAtEnd {
		expectedSHA1 = string(body[len(body)-40:])
		body = body[:len(body)-40]
	}
	sum := sha1.Sum(body)
	if hex.EncodeToString(sum[:]) != expectedSHA1 {
		b.writeError(w, http.StatusBadRequest, "bad_request", "checksum did not match data received")
		return
	}

	info := map[string]string{}
	for k := range r.Header {
		if strings.HasPrefix(k, b2InfoHeaderPrefix) {
			info[strings.ToLower(strings.TrimPrefix(k, b2InfoHeaderPrefix))] = r.Header.Get(k)
		}
	}
	fileID := fmt.Sprintf("file-%d", len(b.files)+1)
	b.files[name] = b2StoredFile{
		name:        name,
		contentType: r.Header.Get("Content-Type"),
		sha1:        expectedSHA1,
		data:        body,
		info:        info,
	}
	b.writeJSON(w, http.StatusOK, fileResponse{FileID: fileID, FileName: name, ContentLength: int64(len(body)), ContentSha1: expectedSHA1})
}

func (b *fakeB2) uploadPart(w http.ResponseWriter, r *http.Request, fileID string) {
	large, ok := b.largeFiles[fileID]
	if !ok || !strings.HasPrefix(r.Header.Get("Authorization"), "part-token-") {
		b.writeError(w, http.StatusBadRequest, "bad_request", "no such file")
		return
	}
	partNumber, err := strconv.Atoi(r.Header.Get("X-Bz-Part-Number"))
	assert.NoError(b.t, err)
	if partNumber == b.failPart {
		b.writeError(w, http.StatusBadRequest, "bad_request", "part rejected")
		return
	}

	body, err := io.ReadAll(r.Body)
	assert.NoError(b.t, err)
	sum := sha1.Sum(body)
	if hex.EncodeToString(sum[:]) != r.Header.Get("X-Bz-Content-Sha1") {
		b.writeError(w, http.StatusBadRequest, "bad_request", "checksum did not match data received")
		return
	}
	large.parts[partNumber] = body
	b.writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":        fileID,
		"partNumber":    partNumber,
		"contentLength": len(body),
		"contentSha1":   r.Header.Get("X-Bz-Content-Sha1"),
	})
}

func (b *fakeB2) file(name string) (b2StoredFile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[name]
	return f, ok
}

func newTestB2Uploader(t *testing.T, b *fakeB2, params B2Params) *B2Uploader {
	params.BaseURL = b.server.URL
	params.KeyID = "key-id"
	params.ApplicationKey = "app-key"
	params.BucketID = "bucket-id"
	uploader, err := NewB2Uploader(context.Background(), params, log.NewLogger())
	require.NoError(t, err)
	uploader.retryWait = 0
	return uploader
}

func TestB2Uploader_Upload(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{})

	src := contentsource.NewMemory([]byte("abcde"), contentsource.WithSHA1(abcdeSHA1), contentsource.WithLastModified(time.UnixMilli(1488362400000)))
	result, err := uploader.Upload(context.Background(), Object{Key: "dir/a file.txt"}, src)
	require.NoError(t, err)

	assert.Equal(t, Result{
		Key:      "dir/a file.txt",
		Length:   5,
		SHA1:     abcdeSHA1,
		ID:       "file-1",
		Attempts: 1,
	}, result)

	f, ok := b.file("dir/a file.txt")
	require.True(t, ok)
	assert.Equal(t, "abcde", string(f.data))
	assert.Equal(t, b2ContentTypeAuto, f.contentType)
	assert.Equal(t, map[string]string{metadataLastModified: "1488362400000"}, f.info)
}

func TestB2Uploader_Upload_HexDigitsAtEnd(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{})

	result, err := uploader.Upload(context.Background(), Object{Key: "abcde.txt", ContentType: "text/plain"}, contentsource.NewMemory([]byte("abcde")))
	require.NoError(t, err)
	assert.Equal(t, abcdeSHA1, result.SHA1)

	f, ok := b.file("abcde.txt")
	require.True(t, ok)
	assert.Equal(t, "abcde", string(f.data))
	assert.Equal(t, abcdeSHA1, f.sha1)
	assert.Equal(t, "text/plain", f.contentType)
}

func TestB2Uploader_Upload_ComputeSHA1(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{ComputeSHA1: true})

	result, err := uploader.Upload(context.Background(), Object{Key: "abcde.txt"}, contentsource.NewMemory([]byte("abcde")))
	require.NoError(t, err)
	assert.Equal(t, abcdeSHA1, result.SHA1)

	f, ok := b.file("abcde.txt")
	require.True(t, ok)
	assert.Equal(t, "abcde", string(f.data))
}

func TestB2Uploader_Upload_EmptyContent(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{ComputeSHA1: true})

	result, err := uploader.Upload(context.Background(), Object{Key: "empty"}, contentsource.NewMemory(nil))
	require.NoError(t, err)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", result.SHA1)

	f, ok := b.file("empty")
	require.True(t, ok)
	assert.Empty(t, f.data)
}

func TestB2Uploader_Upload_StaleSHA1(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{NumRetries: 1})

	src := contentsource.NewMemory([]byte("abcde"), contentsource.WithSHA1(staleSHA1))
	_, err := uploader.Upload(context.Background(), Object{Key: "abcde.txt"}, src)
	require.Error(t, err)

	_, ok := b.file("abcde.txt")
	assert.False(t, ok)
}

func TestB2Uploader_Upload_ExpiredAuthorization(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{})

	b.mu.Lock()
	b.expireToken = true
	b.mu.Unlock()

	_, err := uploader.Upload(context.Background(), Object{Key: "abcde.txt"}, contentsource.NewMemory([]byte("abcde")))
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 2, b.authorizations)
	assert.Equal(t, 1, b.uploadURLs)
}

func TestB2Uploader_Upload_LargeFile(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{PartSize: 10, Concurrency: 2})

	data := []byte("0123456789abcdefghijklmno")
	src := contentsource.NewMemory(data, contentsource.WithLastModified(time.UnixMilli(1488362400000)))
	result, err := uploader.Upload(context.Background(), Object{Key: "large.bin"}, src)
	require.NoError(t, err)
	assert.Equal(t, "large-1", result.ID)
	assert.Equal(t, int64(25), result.Length)

	f, ok := b.file("large.bin")
	require.True(t, ok)
	assert.Equal(t, data, f.data)
	assert.Equal(t, map[string]string{metadataLastModified: "1488362400000"}, f.info)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 3, b.partURLs)
	assert.Empty(t, b.cancelled)
}

func TestB2Uploader_Upload_LargeFileSHA1(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{PartSize: 10, ComputeSHA1: true})

	data := []byte("0123456789abcdefghijklmno")
	_, err := uploader.Upload(context.Background(), Object{Key: "large.bin"}, contentsource.NewMemory(data))
	require.NoError(t, err)

	sum := sha1.Sum(data)
	f, ok := b.file("large.bin")
	require.True(t, ok)
	assert.Equal(t, hex.EncodeToString(sum[:]), f.info[b2LargeFileSHA1Info])
}

func TestB2Uploader_Upload_LargeFileStaleSHA1(t *testing.T) {
	b := newFakeB2(t)
	uploader := newTestB2Uploader(t, b, B2Params{PartSize: 10, NumRetries: 1})

	src := contentsource.NewMemory([]byte("0123456789abcdefghijklmno"), contentsource.WithSHA1(staleSHA1))
	result, err := uploader.Upload(context.Background(), Object{Key: "large.bin"}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, contentsource.ErrChecksumMismatch)
	assert.Empty(t, result.SHA1)

	_, ok := b.file("large.bin")
	assert.False(t, ok)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"large-1"}, b.cancelled)
}

func TestB2Uploader_Upload_LargeFileFailure(t *testing.T) {
	b := newFakeB2(t)
	b.failPart = 2
	uploader := newTestB2Uploader(t, b, B2Params{PartSize: 10, NumRetries: 1})

	_, err := uploader.Upload(context.Background(), Object{Key: "large.bin"}, contentsource.NewMemory([]byte("0123456789abcdefghijklmno")))
	require.Error(t, err)

	_, ok := b.file("large.bin")
	assert.False(t, ok)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"large-1"}, b.cancelled)
}

func TestNewB2Uploader_InvalidParams(t *testing.T) {
	b := newFakeB2(t)

	tests := []struct {
		name   string
		params B2Params
	}{
		{name: "no credentials", params: B2Params{BaseURL: b.server.URL, BucketID: "bucket-id"}},
		{name: "no bucket", params: B2Params{BaseURL: b.server.URL, KeyID: "key-id", ApplicationKey: "app-key"}},
		{name: "small part size", params: B2Params{BaseURL: b.server.URL, KeyID: "key-id", ApplicationKey: "app-key", BucketID: "bucket-id", PartSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewB2Uploader(context.Background(), tt.params, log.NewLogger())
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestNewB2Uploader_BadCredentials(t *testing.T) {
	b := newFakeB2(t)

	_, err := NewB2Uploader(context.Background(), B2Params{
		BaseURL:        b.server.URL,
		KeyID:          "key-id",
		ApplicationKey: "wrong",
		BucketID:       "bucket-id",
	}, log.NewLogger())

	var apiErr *b2Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Code)
}

func Test_encodeB2FileName(t *testing.T) {
	assert.Equal(t, "dir/a%20file.txt", encodeB2FileName("dir/a file.txt"))
	assert.Equal(t, "r%C3%A9sum%C3%A9.txt", encodeB2FileName("résumé.txt"))
}

func Test_sha1AtEndReader(t *testing.T) {
	for _, content := range []string{"", "abcde", strings.Repeat("x", 100000)} {
		r := newSHA1AtEndReader(io.NopCloser(strings.NewReader(content)))
		got, err := io.ReadAll(r)
		require.NoError(t, err)

		sum := sha1.Sum([]byte(content))
		assert.Equal(t, content+hex.EncodeToString(sum[:]), string(got))
		assert.NoError(t, r.Close())
	}
}

func Test_isRetryableB2Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "network error", err: fmt.Errorf("connection reset"), want: true},
		{name: "service unavailable", err: &b2Error{Status: 503, Code: "service_unavailable"}, want: true},
		{name: "too many requests", err: &b2Error{Status: 429, Code: "too_many_requests"}, want: true},
		{name: "expired upload token", err: &b2Error{Status: 401, Code: "expired_auth_token"}, want: true},
		{name: "unauthorized", err: &b2Error{Status: 401, Code: "unauthorized"}, want: false},
		{name: "bad request", err: &b2Error{Status: 400, Code: "bad_request"}, want: false},
		{name: "wrapped server error", err: fmt.Errorf("upload: %w", &b2Error{Status: 500}), want: true},
		{name: "wrapped forbidden", err: fmt.Errorf("upload: %w", &b2Error{Status: 403}), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableB2Error(tt.err))
		})
	}
}
