package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBodySize bounds how much of an error response we read for
// classification and messages.
const maxErrorBodySize = 64 * 1024

// httpBase carries what every HTTP adapter needs.
type httpBase struct {
	ep     *domain.EndpointConfig
	client *http.Client
	logger *logger.StyledLogger
}

func (b *httpBase) Endpoint() *domain.EndpointConfig {
	return b.ep
}

// joinURL appends path to the endpoint's api_base, tolerating a base that
// already carries the /v1 prefix.
func joinURL(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

// postJSON sends the payload and returns the response. Callers own the body.
func (b *httpBase) postJSON(ctx context.Context, url string, payload []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", b.ep.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.client.Do(req)
}

// callFailed drains the error body and builds the classified CallError.
func (b *httpBase) callFailed(resp *http.Response) *CallError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	return &CallError{
		Class:  classifyStatus(resp.StatusCode, body),
		Status: resp.StatusCode,
		Err:    upstreamError(b.ep.ID, resp.StatusCode, body),
	}
}

// transportFailed wraps a transport-level error.
func (b *httpBase) transportFailed(err error) *CallError {
	return &CallError{
		Class: classifyErr(err),
		Err:   fmt.Errorf("endpoint %s: %w", b.ep.ID, err),
	}
}

// newHTTPClient builds the transport shared by an endpoint's adapter. The
// overall deadline comes from the request context, not the client.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
