package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/vip-tools/go-transferutils/upload/fileinfo"
	"github.com/vip-tools/go-transferutils/upload/network/partuploader"
	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const (
	// DefaultCompressThreshold is 16 MiB.
	DefaultCompressThreshold int64 = 16 * 1024 * 1024
	// DefaultMultipartThreshold is 32 MiB.
	DefaultMultipartThreshold int64 = 32 * 1024 * 1024

	numAbortRetries  = 3
	defaultAbortWait = 2 * time.Second
	abortTimeout     = time.Minute
)

// Strategy is how a file is transferred.
type Strategy string

const (
	StrategySingleShot Strategy = "single-shot"
	StrategyMultipart  Strategy = "multipart"
)

// SelectStrategy picks single-shot below threshold; a file exactly at the threshold goes multipart.
func SelectStrategy(fileSize, multipartThreshold int64) Strategy {
	if fileSize < multipartThreshold {
		return StrategySingleShot
	}
	return StrategyMultipart
}

// Destination identifies the application environment the file is uploaded for.
type Destination struct {
	AppID int
	EnvID int
}

// CoordinatorConfig ...
type CoordinatorConfig struct {
	CompressThreshold  int64
	MultipartThreshold int64
	PartSize           int64
	Concurrency        int
	DisableCompression bool
	// AbortOnFailure aborts a multipart session that cannot be completed.
	AbortOnFailure bool
	// AbortRetryWait is the pause between abort attempts. Default: 2s
	AbortRetryWait time.Duration
	HTTPClient     *http.Client
}

// DefaultCoordinatorConfig ...
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CompressThreshold:  DefaultCompressThreshold,
		MultipartThreshold: DefaultMultipartThreshold,
		PartSize:           partuploader.DefaultPartSize,
		Concurrency:        partuploader.DefaultConcurrency,
		AbortOnFailure:     true,
		AbortRetryWait:     defaultAbortWait,
	}
}

// Result is what a finished upload reports back.
type Result struct {
	Meta        fileinfo.FileMeta
	Fingerprint string
	Strategy    Strategy
	UploadID    string
	Outcome     protocol.Success
}

// Coordinator drives one upload end to end: compression, fingerprint, strategy and protocol.
type Coordinator struct {
	config       CoordinatorConfig
	destination  Destination
	signer       protocol.SignedRequester
	compressor   Compressor
	partUploader *partuploader.Uploader
	storage      storageClient
	logger       log.Logger
}

// NewCoordinator creates a coordinator. compressor may be nil, in which case files are sent as they are.
func NewCoordinator(config CoordinatorConfig, destination Destination, signer protocol.SignedRequester, compressor Compressor, logger log.Logger) *Coordinator {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = partuploader.DefaultHTTPClient()
	}
	if config.AbortRetryWait == 0 {
		config.AbortRetryWait = defaultAbortWait
	}

	partUploader := partuploader.New(partuploader.Config{
		Concurrency: config.Concurrency,
		HTTPClient:  httpClient,
	}, logger)

	return &Coordinator{
		config:       config,
		destination:  destination,
		signer:       signer,
		compressor:   compressor,
		partUploader: partUploader,
		storage:      storageClient{httpClient: httpClient, logger: logger},
		logger:       logger,
	}
}

// Upload transfers the file meta describes. The returned Result carries the metadata of the artifact
// actually sent, which differs from meta when the file was compressed.
func (c *Coordinator) Upload(ctx context.Context, meta fileinfo.FileMeta, reporter partuploader.Reporter) (Result, error) {
	c.logger.TDebugf("Upload start")
	defer func() {
		c.logger.TDebugf("Upload done")
	}()

	meta, err := c.compress(ctx, meta)
	if err != nil {
		return Result{}, err
	}
	c.logger.TDebugf("Compression step done")

	fingerprint, err := fileinfo.Fingerprint(meta.FileName)
	if err != nil {
		return Result{}, err
	}
	c.logger.TDebugf("Fingerprint computed")

	result := Result{
		Meta:        meta,
		Fingerprint: fingerprint,
		Strategy:    SelectStrategy(meta.FileSize, c.config.MultipartThreshold),
	}
	c.logger.Debugf("Uploading %s (%s, md5 %s) using %s upload", meta.Basename,
		units.HumanSizeWithPrecision(float64(meta.FileSize), 3), fingerprint, result.Strategy)

	switch result.Strategy {
	case StrategySingleShot:
		result.Outcome, err = c.putObject(ctx, meta, reporter)
	default:
		result.UploadID, result.Outcome, err = c.multipart(ctx, meta, reporter)
	}
	if err != nil {
		return Result{}, err
	}

	return result, nil
}

// ListParts returns the parts the storage service has recorded for an open multipart session.
func (c *Coordinator) ListParts(ctx context.Context, meta fileinfo.FileMeta, uploadID string) ([]protocol.PartResult, error) {
	params := c.params(protocol.ActionListParts, meta)
	params.UploadID = uploadID

	signed, err := c.sign(ctx, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.storage.do(ctx, protocol.ActionListParts, signed, nil, 0)
	if err != nil {
		return nil, err
	}
	if !resp.successful() {
		return nil, resp.failure(protocol.ActionListParts)
	}

	outcome := protocol.ParseListParts(resp.Body)
	if err := protocol.AsError(protocol.ActionListParts, resp.StatusCode, outcome); err != nil {
		return nil, err
	}
	return outcome.(protocol.Success).Parts, nil
}

func (c *Coordinator) compress(ctx context.Context, meta fileinfo.FileMeta) (fileinfo.FileMeta, error) {
	if c.compressor == nil || c.config.DisableCompression {
		return meta, nil
	}

	compressed, err := c.compressor.MaybeCompress(ctx, meta, c.config.CompressThreshold)
	if err != nil {
		return fileinfo.FileMeta{}, fmt.Errorf("compress %s: %w", meta.Basename, err)
	}
	return compressed, nil
}

func (c *Coordinator) putObject(ctx context.Context, meta fileinfo.FileMeta, reporter partuploader.Reporter) (protocol.Success, error) {
	signed, err := c.sign(ctx, c.params(protocol.ActionPutObject, meta))
	if err != nil {
		return protocol.Success{}, err
	}

	file, err := os.Open(meta.FileName)
	if err != nil {
		return protocol.Success{}, fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	tracker := partuploader.NewTracker([]partuploader.PartBoundary{
		{Index: 0, Start: 0, End: meta.FileSize - 1, PartSize: meta.FileSize},
	}, reporter)

	resp, err := c.storage.do(ctx, protocol.ActionPutObject, signed, tracker.Reader(0, file), meta.FileSize)
	if err != nil {
		return protocol.Success{}, err
	}
	if !resp.successful() {
		return protocol.Success{}, resp.failure(protocol.ActionPutObject)
	}

	return protocol.Success{ETag: resp.Header.Get("ETag")}, nil
}

func (c *Coordinator) multipart(ctx context.Context, meta fileinfo.FileMeta, reporter partuploader.Reporter) (string, protocol.Success, error) {
	uploadID, err := c.createSession(ctx, meta)
	if err != nil {
		return "", protocol.Success{}, err
	}
	c.logger.Debugf("Upload ID: %s", uploadID)

	outcome, err := c.uploadAndComplete(ctx, meta, uploadID, reporter)
	if err != nil {
		if c.config.AbortOnFailure {
			c.abort(meta, uploadID)
		}
		return "", protocol.Success{}, err
	}

	return uploadID, outcome, nil
}

func (c *Coordinator) createSession(ctx context.Context, meta fileinfo.FileMeta) (string, error) {
	signed, err := c.sign(ctx, c.params(protocol.ActionCreateMultipartUpload, meta))
	if err != nil {
		return "", err
	}

	resp, err := c.storage.do(ctx, protocol.ActionCreateMultipartUpload, signed, nil, 0)
	if err != nil {
		return "", err
	}
	if !resp.successful() {
		return "", resp.failure(protocol.ActionCreateMultipartUpload)
	}

	outcome := protocol.ParseCreate(resp.Body)
	if err := protocol.AsError(protocol.ActionCreateMultipartUpload, resp.StatusCode, outcome); err != nil {
		return "", err
	}
	return outcome.(protocol.Success).UploadID, nil
}

func (c *Coordinator) uploadAndComplete(ctx context.Context, meta fileinfo.FileMeta, uploadID string, reporter partuploader.Reporter) (protocol.Success, error) {
	boundaries, err := partuploader.Plan(meta.FileSize, c.config.PartSize)
	if err != nil {
		return protocol.Success{}, err
	}

	source, err := partuploader.OpenFileSource(meta.FileName, meta.FileSize)
	if err != nil {
		return protocol.Success{}, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}()

	signer := partuploader.PartSignerFunc(func(ctx context.Context, partNumber int) (protocol.PresignedRequest, error) {
		params := c.params(protocol.ActionUploadPart, meta)
		params.UploadID = uploadID
		params.PartNumber = partNumber
		return c.sign(ctx, params)
	})

	parts, err := c.partUploader.Upload(ctx, source, boundaries, signer, reporter)
	if err != nil {
		return protocol.Success{}, err
	}
	c.logger.TDebugf("Parts uploaded")

	return c.complete(ctx, meta, uploadID, parts)
}

func (c *Coordinator) complete(ctx context.Context, meta fileinfo.FileMeta, uploadID string, parts []protocol.PartResult) (protocol.Success, error) {
	params := c.params(protocol.ActionCompleteMultipartUpload, meta)
	params.UploadID = uploadID
	params.Parts = protocol.SortParts(parts)

	signed, err := c.sign(ctx, params)
	if err != nil {
		return protocol.Success{}, err
	}

	body := []byte(signed.Body)
	if len(body) == 0 {
		body, err = protocol.RenderCompletion(params.Parts)
		if err != nil {
			return protocol.Success{}, err
		}
	}

	resp, err := c.storage.do(ctx, protocol.ActionCompleteMultipartUpload, signed, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return protocol.Success{}, err
	}
	if !resp.successful() {
		return protocol.Success{}, resp.failure(protocol.ActionCompleteMultipartUpload)
	}

	// A 200 completion can still carry an <Error> document.
	outcome := protocol.ParseComplete(resp.Body)
	if err := protocol.AsError(protocol.ActionCompleteMultipartUpload, resp.StatusCode, outcome); err != nil {
		return protocol.Success{}, err
	}
	return outcome.(protocol.Success), nil
}

// abort releases a failed session. It runs on its own context since the caller's may be cancelled,
// and its failure is only logged: the error that caused the abort is the one reported.
func (c *Coordinator) abort(meta fileinfo.FileMeta, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	params := c.params(protocol.ActionAbortMultipartUpload, meta)
	params.UploadID = uploadID

	err := retry.Times(numAbortRetries).Wait(c.config.AbortRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		signed, err := c.sign(ctx, params)
		if err != nil {
			return err, false
		}
		resp, err := c.storage.do(ctx, protocol.ActionAbortMultipartUpload, signed, nil, 0)
		if err != nil {
			return err, false
		}
		if resp.successful() || resp.StatusCode == http.StatusNotFound {
			return nil, true
		}
		return resp.failure(protocol.ActionAbortMultipartUpload), false
	})
	if err != nil {
		c.logger.Warnf("Failed to abort multipart upload %s: %s", uploadID, err)
		return
	}
	c.logger.Debugf("Multipart upload %s aborted", uploadID)
}

func (c *Coordinator) params(action protocol.Action, meta fileinfo.FileMeta) protocol.SignedRequestParams {
	return protocol.SignedRequestParams{
		Action:   action,
		AppID:    c.destination.AppID,
		EnvID:    c.destination.EnvID,
		Basename: meta.Basename,
	}
}

// sign asks the signer for a request; any failure is reported as a collaborator error.
func (c *Coordinator) sign(ctx context.Context, params protocol.SignedRequestParams) (protocol.PresignedRequest, error) {
	signed, err := c.signer.SignedRequest(ctx, params)
	if err != nil {
		if errors.Is(err, protocol.ErrCollaborator) {
			return protocol.PresignedRequest{}, err
		}
		return protocol.PresignedRequest{}, &protocol.CollaboratorError{Action: params.Action, Err: err}
	}
	return signed, nil
}
