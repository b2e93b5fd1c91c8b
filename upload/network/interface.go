package network

import (
	"context"

	"github.com/vip-tools/go-transferutils/upload/fileinfo"
	"github.com/vip-tools/go-transferutils/upload/network/partuploader"
)

// Uploader ...
type Uploader interface {
	Upload(context.Context, fileinfo.FileMeta, partuploader.Reporter) (Result, error)
}

// Compressor produces the artifact that is actually transferred.
type Compressor interface {
	MaybeCompress(ctx context.Context, meta fileinfo.FileMeta, threshold int64) (fileinfo.FileMeta, error)
}
