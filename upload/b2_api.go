package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const b2APIVersion = "b2api/v2"

type b2Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *b2Error) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

type authorizeAccountResponse struct {
	AccountID               string `json:"accountId"`
	AuthorizationToken      string `json:"authorizationToken"`
	APIURL                  string `json:"apiUrl"`
	DownloadURL             string `json:"downloadUrl"`
	RecommendedPartSize     int64  `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
}

type getUploadURLRequest struct {
	BucketID string `json:"bucketId"`
}

type uploadURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type startLargeFileRequest struct {
	BucketID    string            `json:"bucketId"`
	FileName    string            `json:"fileName"`
	ContentType string            `json:"contentType"`
	FileInfo    map[string]string `json:"fileInfo,omitempty"`
}

type fileIDRequest struct {
	FileID string `json:"fileId"`
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSha1Array []string `json:"partSha1Array"`
}

type fileResponse struct {
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	ContentLength int64  `json:"contentLength"`
	ContentSha1   string `json:"contentSha1"`
}

// b2APIClient calls the B2 native API. The account authorization is shared by concurrent uploads
// and refreshed when the server reports it as expired.
type b2APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	keyID      string
	appKey     string
	logger     log.Logger

	mu   sync.RWMutex
	auth authorizeAccountResponse
}

func newB2APIClient(client *retryablehttp.Client, baseURL, keyID, appKey string, logger log.Logger) *b2APIClient {
	return &b2APIClient{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		keyID:      keyID,
		appKey:     appKey,
		logger:     logger,
	}
}

func (c *b2APIClient) authorization() authorizeAccountResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

func (c *b2APIClient) authorizeAccount(ctx context.Context) (authorizeAccountResponse, error) {
	url := fmt.Sprintf("%s/%s/b2_authorize_account", c.baseURL, b2APIVersion)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return authorizeAccountResponse{}, err
	}
	req.SetBasicAuth(c.keyID, c.appKey)

	var response authorizeAccountResponse
	if err := c.do(req, "b2_authorize_account", &response); err != nil {
		return authorizeAccountResponse{}, err
	}

	c.mu.Lock()
	c.auth = response
	c.mu.Unlock()

	return response, nil
}

func (c *b2APIClient) getUploadURL(ctx context.Context, bucketID string) (uploadURLResponse, error) {
	var response uploadURLResponse
	err := c.call(ctx, "b2_get_upload_url", getUploadURLRequest{BucketID: bucketID}, &response)
	return response, err
}

func (c *b2APIClient) startLargeFile(ctx context.Context, request startLargeFileRequest) (fileResponse, error) {
	var response fileResponse
	err := c.call(ctx, "b2_start_large_file", request, &response)
	return response, err
}

func (c *b2APIClient) getUploadPartURL(ctx context.Context, fileID string) (uploadURLResponse, error) {
	var response uploadURLResponse
	err := c.call(ctx, "b2_get_upload_part_url", fileIDRequest{FileID: fileID}, &response)
	return response, err
}

func (c *b2APIClient) finishLargeFile(ctx context.Context, fileID string, partSHA1s []string) (fileResponse, error) {
	var response fileResponse
	err := c.call(ctx, "b2_finish_large_file", finishLargeFileRequest{FileID: fileID, PartSha1Array: partSHA1s}, &response)
	return response, err
}

func (c *b2APIClient) cancelLargeFile(ctx context.Context, fileID string) error {
	var response fileResponse
	return c.call(ctx, "b2_cancel_large_file", fileIDRequest{FileID: fileID}, &response)
}

// uploadFile sends the body to an upload URL. The body is reopened by the client on retries.
func (c *b2APIClient) uploadFile(ctx context.Context, uploadURL uploadURLResponse, headers map[string]string, body retryablehttp.ReaderFunc, size int64) (fileResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uploadURL.UploadURL, body)
	if err != nil {
		return fileResponse{}, err
	}
	req.Header.Set("Authorization", uploadURL.AuthorizationToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Upload request dump: %s", string(dump))

	var response fileResponse
	if err := c.do(req, "b2_upload_file", &response); err != nil {
		return fileResponse{}, err
	}
	return response, nil
}

// call posts a JSON request to an authorized API operation, authorizing again once if the token expired.
func (c *b2APIClient) call(ctx context.Context, operation string, request, response interface{}) error {
	err := c.post(ctx, operation, request, response)
	if isExpiredAuthorization(err) {
		c.logger.Debugf("Authorization token expired, authorizing again")
		if _, err := c.authorizeAccount(ctx); err != nil {
			return fmt.Errorf("authorize account: %w", err)
		}
		err = c.post(ctx, operation, request, response)
	}
	return err
}

func (c *b2APIClient) post(ctx context.Context, operation string, request, response interface{}) error {
	auth := c.authorization()
	url := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(auth.APIURL, "/"), b2APIVersion, operation)

	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth.AuthorizationToken)
	req.Header.Set("Content-type", "application/json")

	return c.do(req, operation, response)
}

func (c *b2APIClient) do(req *retryablehttp.Request, operation string, response interface{}) error {
	c.logger.Debugf("Calling %s", operation)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("Failed to close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", operation, unwrapError(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var apiErr b2Error
	if err := json.NewDecoder(bytes.NewReader(errorResp)).Decode(&apiErr); err == nil && apiErr.Code != "" {
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

func isExpiredAuthorization(err error) bool {
	var apiErr *b2Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized && apiErr.Code == "expired_auth_token"
}
