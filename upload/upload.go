// Package upload is the entry point of the transfer engine: it turns a local path into an object in
// cloud storage, going through inspection, optional compression, fingerprinting and the storage
// protocol.
package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"

	"github.com/vip-tools/go-transferutils/internal"
	"github.com/vip-tools/go-transferutils/upload/compression"
	"github.com/vip-tools/go-transferutils/upload/fileinfo"
	"github.com/vip-tools/go-transferutils/upload/network"
	"github.com/vip-tools/go-transferutils/upload/network/partuploader"
	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

// Options tune a single Uploader on top of the environment config.
type Options struct {
	Destination        network.Destination
	DisableCompression bool
	// Signer overrides the signed-request collaborator picked from Config.
	Signer protocol.SignedRequester
}

// Uploader uploads files for one destination. It owns the compression work dir, so Close it when done.
type Uploader struct {
	config      Config
	inspector   *fileinfo.Inspector
	compressor  *compression.Compressor
	coordinator *network.Coordinator
	logger      log.Logger
}

// NewUploader ...
func NewUploader(ctx context.Context, config Config, opts Options, logger log.Logger) (*Uploader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	signer := opts.Signer
	if signer == nil {
		var err error
		signer, err = newSigner(ctx, config, logger)
		if err != nil {
			return nil, err
		}
	}

	compressor := compression.NewCompressor(logger, pathutil.NewPathProvider(), internal.RealOS{}, 0)

	coordinatorConfig := network.DefaultCoordinatorConfig()
	coordinatorConfig.CompressThreshold = config.CompressThreshold
	coordinatorConfig.MultipartThreshold = config.MultipartThreshold
	coordinatorConfig.PartSize = config.PartSize
	coordinatorConfig.Concurrency = config.Concurrency
	coordinatorConfig.AbortOnFailure = config.AbortOnFailure
	coordinatorConfig.DisableCompression = opts.DisableCompression

	return &Uploader{
		config:      config,
		inspector:   fileinfo.NewInspector(internal.RealOS{}),
		compressor:  compressor,
		coordinator: network.NewCoordinator(coordinatorConfig, opts.Destination, signer, compressor, logger),
		logger:      logger,
	}, nil
}

func newSigner(ctx context.Context, config Config, logger log.Logger) (protocol.SignedRequester, error) {
	if config.S3.Enabled() {
		logger.Debugf("Signing requests locally for bucket %s", config.S3.Bucket)
		return network.NewS3Presigner(ctx, network.S3PresignerConfig{
			Bucket:          config.S3.Bucket,
			Region:          config.S3.Region,
			Endpoint:        config.S3.Endpoint,
			Prefix:          config.S3.Prefix,
			AccessKeyID:     config.S3.AccessKeyID,
			SecretAccessKey: string(config.S3.SecretAccessKey),
		}, logger)
	}

	client := network.NewRetryableClient(retryhttp.NewClient(logger), logger)
	return network.NewAPIClient(client, string(config.APIBaseURL), string(config.APIAccessToken), logger), nil
}

// UploadFile uploads the file at path. reporter may be nil.
func (u *Uploader) UploadFile(ctx context.Context, path string, reporter partuploader.Reporter) (network.Result, error) {
	meta, err := u.inspector.Inspect(path)
	if err != nil {
		return network.Result{}, err
	}
	u.logger.Debugf("Inspected %s: %s, %d bytes", meta.FileName, meta.Kind, meta.FileSize)

	result, err := u.coordinator.Upload(ctx, meta, reporter)
	if err != nil {
		return network.Result{}, fmt.Errorf("upload %s: %w", meta.Basename, err)
	}
	return result, nil
}

// ListParts reports the parts recorded for an open multipart session of the file at path.
func (u *Uploader) ListParts(ctx context.Context, path string, uploadID string) ([]protocol.PartResult, error) {
	meta, err := u.inspector.Inspect(path)
	if err != nil {
		return nil, err
	}
	return u.coordinator.ListParts(ctx, meta, uploadID)
}

// Close removes the compression artifacts created by this uploader.
func (u *Uploader) Close() error {
	return u.compressor.Cleanup()
}

// PercentageReporter calls fn with the whole-file percentage each time its text changes.
func PercentageReporter(fn func(percentage string)) partuploader.Reporter {
	var mu sync.Mutex
	last := ""
	return partuploader.ReporterFunc(func(p partuploader.Progress) {
		percentage := p.Percentage()
		mu.Lock()
		defer mu.Unlock()
		if percentage == last {
			return
		}
		last = percentage
		fn(percentage)
	})
}
