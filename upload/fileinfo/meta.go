// Package fileinfo describes local files handed to the upload engine: size, basename and whether
// the content is already a compressed archive.
package fileinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/vip-tools/go-transferutils/internal"
	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const headerLength = 4

var (
	zipMagic  = []byte{0x50, 0x4B, 0x03, 0x04}
	gzipMagic = []byte{0x1F, 0x8B}
)

// Kind is the compressed-format classification of a file.
type Kind int

const (
	KindNone Kind = iota
	KindZip
	KindGzip
)

func (k Kind) String() string {
	switch k {
	case KindZip:
		return "zip"
	case KindGzip:
		return "gzip"
	default:
		return "none"
	}
}

// FileMeta is the value the engine threads through its stages. Stages return a new value instead of
// changing the one they received.
type FileMeta struct {
	Basename     string
	FileName     string
	FileSize     int64
	IsCompressed bool
	Kind         Kind
}

// Inspector ...
type Inspector struct {
	osProxy internal.OsProxy
}

// NewInspector ...
func NewInspector(osProxy internal.OsProxy) *Inspector {
	if osProxy == nil {
		osProxy = internal.RealOS{}
	}
	return &Inspector{osProxy: osProxy}
}

// Inspect stats path and classifies its first bytes. It never reads more than 4 bytes.
func Inspect(path string) (FileMeta, error) {
	return NewInspector(nil).Inspect(path)
}

// Inspect ...
func (i *Inspector) Inspect(path string) (FileMeta, error) {
	info, err := i.osProxy.Stat(path)
	if err != nil {
		return FileMeta{}, fmt.Errorf("%w: stat %s: %w", protocol.ErrInvalidInput, path, err)
	}
	if !info.Mode().IsRegular() {
		return FileMeta{}, protocol.InvalidInputf("%s is not a regular file", path)
	}

	kind, err := i.classify(path)
	if err != nil {
		return FileMeta{}, err
	}

	return FileMeta{
		Basename:     filepath.Base(path),
		FileName:     path,
		FileSize:     info.Size(),
		IsCompressed: kind != KindNone,
		Kind:         kind,
	}, nil
}

func (i *Inspector) classify(path string) (Kind, error) {
	file, err := i.osProxy.Open(path)
	if err != nil {
		return KindNone, fmt.Errorf("%w: open %s: %w", protocol.ErrInvalidInput, path, err)
	}
	defer file.Close() //nolint:errcheck

	header := make([]byte, headerLength)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNone, fmt.Errorf("%w: read header of %s: %s", protocol.ErrInvalidInput, path, err)
	}

	return classifyHeader(header[:n]), nil
}

func classifyHeader(header []byte) Kind {
	switch {
	case bytes.HasPrefix(header, zipMagic):
		return KindZip
	case bytes.HasPrefix(header, gzipMagic):
		return KindGzip
	default:
		return KindNone
	}
}
