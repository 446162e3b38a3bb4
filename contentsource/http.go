package contentsource

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTP is a content source backed by a remote resource. Its metadata comes from a HEAD request
// (done once and remembered), every Open issues a new GET.
//
// The SHA1 is taken from the X-Bz-Content-Sha1 or X-Amz-Meta-Sha1 response headers, the last
// modification time from X-Bz-Info-Src_last_modified_millis or Last-Modified.
type HTTP struct {
	client *retryablehttp.Client
	url    string
	meta   metadata

	mu   sync.Mutex
	head *remoteInfo
}

type remoteInfo struct {
	length          int64
	sha1            string
	hasSHA1         bool
	lastModified    time.Time
	hasLastModified bool
}

// NewHTTP returns a source for the resource at url.
func NewHTTP(client *retryablehttp.Client, url string, opts ...Option) *HTTP {
	return &HTTP{
		client: client,
		url:    url,
		meta:   newMetadata(opts),
	}
}

// ContentLength ...
func (h *HTTP) ContentLength() (int64, error) {
	info, err := h.info()
	if err != nil {
		return 0, err
	}
	return info.length, nil
}

// SHA1 ...
func (h *HTTP) SHA1() (string, bool, error) {
	if h.meta.hasSHA1 {
		return h.meta.sha1, true, nil
	}
	info, err := h.info()
	if err != nil {
		return "", false, err
	}
	return info.sha1, info.hasSHA1, nil
}

// LastModified ...
func (h *HTTP) LastModified() (time.Time, bool, error) {
	if h.meta.hasLastModified {
		return h.meta.lastModified, true, nil
	}
	info, err := h.info()
	if err != nil {
		return time.Time{}, false, err
	}
	return info.lastModified, info.hasLastModified, nil
}

// Open ...
func (h *HTTP) Open() (io.ReadCloser, error) {
	return h.get(nil, http.StatusOK)
}

// OpenRange ...
func (h *HTTP) OpenRange(offset, length int64) (io.ReadCloser, error) {
	size, err := h.ContentLength()
	if err != nil {
		return nil, err
	}
	if err := checkRange(offset, length, size); err != nil {
		return nil, err
	}
	if length == 0 {
		return http.NoBody, nil
	}

	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	return h.get(header, http.StatusPartialContent)
}

func (h *HTTP) get(header http.Header, expectedStatus int) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, h.url, nil)
	if err != nil {
		return nil, ioError("create request", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ioError("get "+h.url, err)
	}
	if resp.StatusCode != expectedStatus {
		defer resp.Body.Close() //nolint:errcheck
		return nil, ioError("get "+h.url, unexpectedStatus(resp))
	}
	return resp.Body, nil
}

func (h *HTTP) info() (remoteInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.head != nil {
		return *h.head, nil
	}

	req, err := retryablehttp.NewRequest(http.MethodHead, h.url, nil)
	if err != nil {
		return remoteInfo{}, ioError("create request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return remoteInfo{}, ioError("head "+h.url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return remoteInfo{}, ioError("head "+h.url, unexpectedStatus(resp))
	}
	if resp.ContentLength < 0 {
		return remoteInfo{}, ioError("head "+h.url, fmt.Errorf("content length is unknown"))
	}

	info := remoteInfo{length: resp.ContentLength}
	info.sha1, info.hasSHA1 = sha1FromHeader(resp.Header)
	info.lastModified, info.hasLastModified = lastModifiedFromHeader(resp.Header)
	h.head = &info

	return info, nil
}

func sha1FromHeader(header http.Header) (string, bool) {
	for _, key := range []string{"X-Bz-Content-Sha1", "X-Amz-Meta-Sha1"} {
		value := strings.ToLower(strings.TrimSpace(header.Get(key)))
		if len(value) != 40 {
			continue
		}
		if _, err := hex.DecodeString(value); err == nil {
			return value, true
		}
	}
	return "", false
}

func lastModifiedFromHeader(header http.Header) (time.Time, bool) {
	if millis := header.Get("X-Bz-Info-Src_last_modified_millis"); millis != "" {
		if ms, err := strconv.ParseInt(millis, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	if value := header.Get("Last-Modified"); value != "" {
		if t, err := http.ParseTime(value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func unexpectedStatus(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}
