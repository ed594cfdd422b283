package upos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	authHeader      = "X-Upos-Auth"
	commitProfile   = "ugcupos/bup"
	commitOKSuccess = 1
)

type openSessionResponse struct {
	UploadID string `json:"upload_id"`
}

type commitRequest struct {
	Parts []Part `json:"parts"`
}

type commitResponse struct {
	OK json.Number `json:"OK"`
}

// HTTPBackend talks the UPOS HTTP protocol. It is safe for concurrent use; the
// underlying client is shared by all parts of the session.
type HTTPBackend struct {
	client  *retryablehttp.Client
	baseURL string
	tagFunc TagFunc
	logger  log.Logger
}

// NewHTTPBackend creates a backend for the session. The auth header and the
// user agent are set once here and sent with every request.
func NewHTTPBackend(session Session, config Config) *HTTPBackend {
	headers := http.Header{}
	headers.Set(authHeader, session.Auth)
	headers.Set("User-Agent", config.UserAgent)

	tagFunc := config.TagFunc
	if tagFunc == nil {
		tagFunc = HeaderOrPlaceholderTag
	}

	return &HTTPBackend{
		client:  NewRetryingClient(config, headers),
		baseURL: session.BaseURL(),
		tagFunc: tagFunc,
		logger:  config.logger(),
	}
}

// OpenSession asks the endpoint for a new upload id.
func (b *HTTPBackend) OpenSession(ctx context.Context, session Session) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"?uploads&output=json", nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrFatal, err)
	}

	resp, err := b.do(req)
	if err != nil {
		return "", err
	}
	defer b.closeBody(resp.Body)

	// The retrying client only covers the request, so a broken body is final.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrFatal, err)
	}

	var response openSessionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrFatal, err)
	}
	if response.UploadID == "" {
		return "", fmt.Errorf("%w: %w", ErrFatal, &ResponseError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	return response.UploadID, nil
}

// Commit sends the part manifest and checks the endpoint accepted it.
func (b *HTTPBackend) Commit(ctx context.Context, upload Upload, name string, parts []Part) error {
	query := url.Values{}
	query.Set("name", name)
	query.Set("uploadId", upload.ID)
	query.Set("biz_id", upload.Session.BizIDParam())
	query.Set("output", "json")
	query.Set("profile", commitProfile)

	body, err := json.Marshal(commitRequest{Parts: parts})
	if err != nil {
		return fmt.Errorf("%w: encode parts: %w", ErrFatal, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"?"+query.Encode(), body)
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	b.dumpRequest("Commit", req, true)

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer b.closeBody(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrFatal, err)
	}
	b.logger.Debugf("Commit response: %s", string(respBody))

	decoder := json.NewDecoder(bytes.NewReader(respBody))
	decoder.UseNumber()
	var response commitResponse
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("%w: decode response %q: %w", ErrFatal, string(respBody), err)
	}
	if ok, err := response.OK.Int64(); err != nil || ok != commitOKSuccess {
		return fmt.Errorf("%w: %w", ErrFatal, &ResponseError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	return nil
}

// CloseIdleConnections closes idle connections of the shared client.
func (b *HTTPBackend) CloseIdleConnections() {
	b.client.HTTPClient.CloseIdleConnections()
}

func (b *HTTPBackend) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(req.Context(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer b.closeBody(resp.Body)
		return nil, unwrapError(resp)
	}
	return resp, nil
}

func (b *HTTPBackend) dumpRequest(name string, req *retryablehttp.Request, body bool) {
	dump, err := httputil.DumpRequest(req.Request, body)
	if err != nil {
		b.logger.Warnf("error while dumping request: %s", err)
		return
	}
	b.logger.Debugf("%s request dump: %s", name, string(dump))
}

func (b *HTTPBackend) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		b.logger.Warnf("close response body: %s", err)
	}
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
