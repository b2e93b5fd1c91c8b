package partuploader

import (
	"fmt"
	"io"
	"os"
)

// FileSource serves part byte ranges from a file on disk. ReadAt has no shared offset, so parts can
// be read in parallel without locking.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens path and checks it still has the expected size.
func OpenFileSource(path string, expectedSize int64) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() != expectedSize {
		_ = file.Close()
		return nil, fmt.Errorf("file size changed: expected %d, got %d", expectedSize, info.Size())
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the size of the file when it was opened.
func (s *FileSource) Size() int64 {
	return s.size
}

// Section returns a reader over exactly the boundary's bytes.
func Section(source io.ReaderAt, b PartBoundary) *io.SectionReader {
	return io.NewSectionReader(source, b.Start, b.PartSize)
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
