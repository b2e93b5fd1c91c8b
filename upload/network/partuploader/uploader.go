package partuploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const maxErrorBodyBytes = 64 * 1024

// Uploader uploads planned parts in parallel, never more than Config.Concurrency at a time.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = DefaultConcurrency
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
}

// Upload sends every boundary's byte range of source to the URL signer mints for it. The first
// failure cancels the remaining parts; Upload returns only after every started part has finished.
// Results are ordered by part number regardless of completion order.
func (u *Uploader) Upload(ctx context.Context, source io.ReaderAt, boundaries []PartBoundary, signer PartSigner, reporter Reporter) ([]protocol.PartResult, error) {
	if len(boundaries) == 0 {
		return nil, protocol.InvalidInputf("no parts to upload")
	}

	tracker := NewTracker(boundaries, reporter)
	u.logger.Debugf("Uploading %d parts, at most %d at a time", len(boundaries), u.config.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.Concurrency)

	var mu sync.Mutex
	results := make([]protocol.PartResult, 0, len(boundaries))

	for _, boundary := range boundaries {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// The slot may have been granted after a sibling already failed.
			if err := gctx.Err(); err != nil {
				return err
			}

			etag, err := u.uploadPart(gctx, source, boundary, signer, tracker, len(boundaries))
			if err != nil {
				return fmt.Errorf("upload part %d: %w", boundary.PartNumber(), err)
			}

			mu.Lock()
			results = append(results, protocol.PartResult{PartNumber: boundary.PartNumber(), ETag: etag})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload cancelled: %w", err)
	}
	if len(results) != len(boundaries) {
		return nil, fmt.Errorf("uploaded %d of %d parts", len(results), len(boundaries))
	}

	u.logger.Debugf("All %d parts uploaded [avg=%v] [slowest=%v] [rate=%s/s]",
		len(results), u.stats.Average().Round(time.Millisecond), u.stats.Slowest().Round(time.Millisecond),
		units.HumanSizeWithPrecision(u.stats.BytesPerSecond(), 3))

	return protocol.SortParts(results), nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.httpClient.CloseIdleConnections()
}

func (u *Uploader) uploadPart(ctx context.Context, source io.ReaderAt, boundary PartBoundary, signer PartSigner, tracker *Tracker, totalParts int) (string, error) {
	partNumber := boundary.PartNumber()

	signed, err := signer.SignPart(ctx, partNumber)
	if err != nil {
		return "", err
	}

	u.logger.Debugf("Uploading part %d/%d (%s) [finished=%d] [avg=%v]",
		partNumber, totalParts, units.HumanSizeWithPrecision(float64(boundary.PartSize), 3),
		u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	start := time.Now()

	body := tracker.Reader(boundary.Index, Section(source, boundary))
	req, err := http.NewRequestWithContext(ctx, signed.MethodFor(protocol.ActionUploadPart), signed.URL, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range signed.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = boundary.PartSize
	req.Header.Set("Content-Length", strconv.FormatInt(boundary.PartSize, 10))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &protocol.TransportError{Action: protocol.ActionUploadPart, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			u.logger.Debugf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if err != nil {
			return "", &protocol.TransportError{Action: protocol.ActionUploadPart, Err: fmt.Errorf("read error response: %w", err)}
		}
		return "", protocol.AsError(protocol.ActionUploadPart, resp.StatusCode, protocol.ParseFailure(resp.StatusCode, raw))
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &protocol.MalformedResponseError{Action: protocol.ActionUploadPart, Reason: "no ETag in response"}
	}

	took := time.Since(start)
	u.stats.Update(took, boundary.PartSize)
	u.logger.Debugf("Part %d uploaded in %v, ETag: %s", partNumber, took.Round(time.Millisecond), etag)

	return etag, nil
}
