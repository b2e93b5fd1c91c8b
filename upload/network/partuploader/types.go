// Package partuploader splits a file into byte-range parts and uploads them in parallel to
// presigned storage URLs, with a fixed bound on in-flight transfers.
package partuploader

import (
	"context"

	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

// PartBoundary is one contiguous, inclusive byte range of the source file.
type PartBoundary struct {
	Index    int
	Start    int64
	End      int64
	PartSize int64
}

// PartNumber is the 1-based number the wire protocol uses for this part.
func (b PartBoundary) PartNumber() int {
	return b.Index + 1
}

// PartSigner mints the signed UploadPart request for one part number.
type PartSigner interface {
	SignPart(ctx context.Context, partNumber int) (protocol.PresignedRequest, error)
}

// PartSignerFunc adapts a function to PartSigner.
type PartSignerFunc func(ctx context.Context, partNumber int) (protocol.PresignedRequest, error)

// SignPart ...
func (f PartSignerFunc) SignPart(ctx context.Context, partNumber int) (protocol.PresignedRequest, error) {
	return f(ctx, partNumber)
}
