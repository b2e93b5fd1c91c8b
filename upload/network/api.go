package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const presignedURLPath = "/upload/site-import-presigned-url"

type signedRequestBody struct {
	Action      protocol.Action       `json:"action"`
	AppID       int                   `json:"appId"`
	EnvID       int                   `json:"envId"`
	Basename    string                `json:"basename"`
	UploadID    string                `json:"uploadId,omitempty"`
	PartNumber  int                   `json:"partNumber,omitempty"`
	ETagResults []protocol.PartResult `json:"etagResults,omitempty"`
}

type signedRequestResponse struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// APIClient obtains presigned storage requests from the control plane.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// NewRetryableClient returns the retrying HTTP client used for control-plane calls. Exhausted retries
// hand back the last response so its status and body can be reported.
func NewRetryableClient(client *retryablehttp.Client, logger log.Logger) *retryablehttp.Client {
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// SignedRequest implements protocol.SignedRequester.
func (c *APIClient) SignedRequest(ctx context.Context, params protocol.SignedRequestParams) (protocol.PresignedRequest, error) {
	url := c.baseURL + presignedURLPath

	body, err := json.Marshal(signedRequestBody{
		Action:      params.Action,
		AppID:       params.AppID,
		EnvID:       params.EnvID,
		Basename:    params.Basename,
		UploadID:    params.UploadID,
		PartNumber:  params.PartNumber,
		ETagResults: params.Parts,
	})
	if err != nil {
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, Err: err}
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, Err: err}
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debugf("Requesting signed %s (part %d)", params.Action, params.PartNumber)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, Err: err}
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Signed request response dump: %s", string(dump))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.PresignedRequest{}, unwrapError(params.Action, resp)
	}

	var response signedRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if response.URL == "" {
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, StatusCode: resp.StatusCode, Err: fmt.Errorf("response has no url")}
	}

	return protocol.PresignedRequest{
		Method:  response.Method,
		URL:     response.URL,
		Headers: response.Headers,
		Body:    response.Body,
	}, nil
}

func unwrapError(action protocol.Action, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return &protocol.CollaboratorError{Action: action, StatusCode: resp.StatusCode, Err: err}
	}
	return &protocol.CollaboratorError{Action: action, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorResp))}
}
