// Package compression gzips upload candidates into a process-scoped working directory.
package compression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/vip-tools/go-transferutils/internal"
	"github.com/vip-tools/go-transferutils/upload/fileinfo"
)

const workDirPrefix = "vip-upload"

// Stage names the pipeline step that failed.
type Stage string

const (
	StageOpen     Stage = "open"
	StageRead     Stage = "read"
	StageCompress Stage = "compress"
	StageWrite    Stage = "write"
	StageStat     Stage = "stat"
)

// StageError is the single error a failed compression surfaces.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("compression failed at %s stage: %s", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Compressor ...
type Compressor struct {
	logger       log.Logger
	pathProvider pathutil.PathProvider
	osProxy      internal.OsProxy
	level        int

	mu      sync.Mutex
	workDir string
}

// NewCompressor creates a compressor. A level of 0 selects gzip.DefaultCompression.
func NewCompressor(logger log.Logger, pathProvider pathutil.PathProvider, osProxy internal.OsProxy, level int) *Compressor {
	if osProxy == nil {
		osProxy = internal.RealOS{}
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &Compressor{
		logger:       logger,
		pathProvider: pathProvider,
		osProxy:      osProxy,
		level:        level,
	}
}

// MaybeCompress returns meta untouched when it is already compressed or smaller than threshold.
// Otherwise it streams the file through gzip and returns metadata describing the artifact.
func (c *Compressor) MaybeCompress(ctx context.Context, meta fileinfo.FileMeta, threshold int64) (fileinfo.FileMeta, error) {
	if meta.IsCompressed {
		c.logger.Debugf("%s is already compressed (%s), skipping compression", meta.Basename, meta.Kind)
		return meta, nil
	}
	if meta.FileSize < threshold {
		c.logger.Debugf("%s is below the compression threshold (%s), skipping compression",
			meta.Basename, units.HumanSizeWithPrecision(float64(threshold), 3))
		return meta, nil
	}

	workDir, err := c.WorkDir()
	if err != nil {
		return fileinfo.FileMeta{}, &StageError{Stage: StageWrite, Err: err}
	}

	basename := strings.TrimSuffix(meta.Basename, ".gz") + ".gz"
	outputPath := filepath.Join(workDir, fmt.Sprintf("%s-%s", uuid.NewString(), basename))

	c.logger.Debugf("Compressing %s to %s", meta.FileName, outputPath)
	if err := c.compress(ctx, meta, outputPath); err != nil {
		if removeErr := c.osProxy.Remove(outputPath); removeErr != nil {
			c.logger.Debugf("Failed to remove partial artifact: %s", removeErr)
		}
		return fileinfo.FileMeta{}, err
	}

	info, err := c.osProxy.Stat(outputPath)
	if err != nil {
		return fileinfo.FileMeta{}, &StageError{Stage: StageStat, Err: err}
	}

	c.logger.Debugf("Compressed %s: %s -> %s", meta.Basename,
		units.HumanSizeWithPrecision(float64(meta.FileSize), 3),
		units.HumanSizeWithPrecision(float64(info.Size()), 3))

	return fileinfo.FileMeta{
		Basename:     basename,
		FileName:     outputPath,
		FileSize:     info.Size(),
		IsCompressed: true,
		Kind:         fileinfo.KindGzip,
	}, nil
}

// compress runs read -> gzip -> write as three stages joined by pipes, so only a pipe buffer and the
// encoder window are ever held in memory.
func (c *Compressor) compress(ctx context.Context, meta fileinfo.FileMeta, outputPath string) error {
	rawReader, rawWriter := io.Pipe()
	gzReader, gzWriter := io.Pipe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		src, err := c.osProxy.Open(meta.FileName)
		if err != nil {
			err = &StageError{Stage: StageOpen, Err: err}
			rawWriter.CloseWithError(err)
			return err
		}
		defer src.Close() //nolint:errcheck

		_, err = io.Copy(rawWriter, contextReader{ctx: gctx, r: src})
		if err != nil {
			err = stageError(StageRead, err)
		}
		rawWriter.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		gz, err := gzip.NewWriterLevel(gzWriter, c.level)
		if err != nil {
			err = &StageError{Stage: StageCompress, Err: err}
			rawReader.CloseWithError(err)
			gzWriter.CloseWithError(err)
			return err
		}
		gz.Name = meta.Basename

		_, err = io.Copy(gz, rawReader)
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			err = stageError(StageCompress, err)
			rawReader.CloseWithError(err)
		}
		gzWriter.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		dst, err := c.osProxy.Create(outputPath)
		if err != nil {
			err = &StageError{Stage: StageWrite, Err: err}
			gzReader.CloseWithError(err)
			return err
		}

		_, err = io.Copy(dst, gzReader)
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			err = stageError(StageWrite, err)
			gzReader.CloseWithError(err)
		}
		return err
	})

	return g.Wait()
}

// WorkDir returns the process-scoped working directory, creating it on first use.
func (c *Compressor) WorkDir() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workDir != "" {
		return c.workDir, nil
	}

	dir, err := c.pathProvider.CreateTempDir(workDirPrefix)
	if err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	c.workDir = dir
	return dir, nil
}

// Cleanup removes the working directory and every artifact in it.
func (c *Compressor) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workDir == "" {
		return nil
	}
	if err := c.osProxy.RemoveAll(c.workDir); err != nil {
		return fmt.Errorf("remove working directory: %w", err)
	}
	c.workDir = ""
	return nil
}

// stageError keeps an upstream stage's error intact when it arrives through a pipe.
func stageError(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Err: err}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
