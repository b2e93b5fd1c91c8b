// Package protocol holds the storage wire protocol shared by the upload engine: signed request
// descriptors, per-part completion tokens, response parsing and the error kinds surfaced to callers.
package protocol

import (
	"context"
	"net/http"
	"sort"
)

// Action names one storage-protocol operation a signed request can authorize.
type Action string

const (
	ActionPutObject               Action = "PutObject"
	ActionCreateMultipartUpload   Action = "CreateMultipartUpload"
	ActionUploadPart              Action = "UploadPart"
	ActionCompleteMultipartUpload Action = "CompleteMultipartUpload"
	ActionListParts               Action = "ListParts"
	ActionAbortMultipartUpload    Action = "AbortMultipartUpload"
)

// DefaultMethod is the HTTP method used when the signer does not name one.
func (a Action) DefaultMethod() string {
	switch a {
	case ActionPutObject, ActionUploadPart:
		return http.MethodPut
	case ActionCreateMultipartUpload, ActionCompleteMultipartUpload:
		return http.MethodPost
	case ActionListParts:
		return http.MethodGet
	case ActionAbortMultipartUpload:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

// PresignedRequest is a single-use, time-limited description of one storage call.
type PresignedRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is an optional server-rendered request body (only used for completion).
	Body string
}

// MethodFor returns the request method, falling back to the action default.
func (r PresignedRequest) MethodFor(action Action) string {
	if r.Method != "" {
		return r.Method
	}
	return action.DefaultMethod()
}

// PartResult is the completion token the storage service returned for one uploaded part.
type PartResult struct {
	PartNumber int    `json:"PartNumber" xml:"PartNumber"`
	ETag       string `json:"ETag" xml:"ETag"`
}

// SignedRequestParams is the context a signer needs to authorize one action.
type SignedRequestParams struct {
	Action     Action
	AppID      int
	EnvID      int
	Basename   string
	UploadID   string
	PartNumber int
	Parts      []PartResult
}

// SignedRequester mints presigned requests. Implementations must be safe for concurrent use.
type SignedRequester interface {
	SignedRequest(ctx context.Context, params SignedRequestParams) (PresignedRequest, error)
}

// SignedRequesterFunc adapts a function to SignedRequester.
type SignedRequesterFunc func(ctx context.Context, params SignedRequestParams) (PresignedRequest, error)

// SignedRequest ...
func (f SignedRequesterFunc) SignedRequest(ctx context.Context, params SignedRequestParams) (PresignedRequest, error) {
	return f(ctx, params)
}

// SortParts returns a copy of parts ordered by ascending part number.
func SortParts(parts []PartResult) []PartResult {
	sorted := make([]PartResult, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})
	return sorted
}
