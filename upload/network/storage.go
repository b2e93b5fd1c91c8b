package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const maxResponseBodyBytes = 1024 * 1024

type storageResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r storageResponse) successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// failure turns a non-2xx response into the error reported for action.
func (r storageResponse) failure(action protocol.Action) error {
	return protocol.AsError(action, r.StatusCode, protocol.ParseFailure(r.StatusCode, r.Body))
}

// storageClient performs the storage calls that are not part uploads. Storage calls are never
// retried here: the signed URLs are single-use and the caller decides what a failure means.
type storageClient struct {
	httpClient *http.Client
	logger     log.Logger
}

func (c storageClient) do(ctx context.Context, action protocol.Action, signed protocol.PresignedRequest, body io.Reader, size int64) (storageResponse, error) {
	if body == nil || size == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, signed.MethodFor(action), signed.URL, body)
	if err != nil {
		return storageResponse{}, fmt.Errorf("create %s request: %w", action, err)
	}
	for k, v := range signed.Headers {
		req.Header.Set(k, v)
	}
	if body != http.NoBody {
		// Add Content-Length header manually so wrapped readers are not sent chunked
		req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
		req.ContentLength = size
	}

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", action, string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storageResponse{}, &protocol.TransportError{Action: action, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return storageResponse{}, &protocol.TransportError{Action: action, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debugf("%s response: HTTP %d: %s", action, resp.StatusCode, string(raw))

	return storageResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}
