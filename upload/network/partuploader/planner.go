package partuploader

import (
	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

// PartCount returns ceil(fileSize / partSize) for positive inputs.
func PartCount(fileSize, partSize int64) int {
	if fileSize < 1 || partSize < 1 {
		return 0
	}
	n := fileSize / partSize
	if fileSize%partSize != 0 {
		n++
	}
	return int(n)
}

// Plan partitions [0, fileSize-1] into ascending, contiguous parts of partSize bytes; the last part
// holds the remainder.
func Plan(fileSize, partSize int64) ([]PartBoundary, error) {
	if fileSize < 1 {
		return nil, protocol.InvalidInputf("file size must be at least 1 byte, got %d", fileSize)
	}
	if partSize < 1 {
		return nil, protocol.InvalidInputf("part size must be at least 1 byte, got %d", partSize)
	}

	numParts := PartCount(fileSize, partSize)
	boundaries := make([]PartBoundary, 0, numParts)
	for index := 0; index < numParts; index++ {
		start := int64(index) * partSize
		size := fileSize - start
		if size > partSize {
			size = partSize
		}
		boundaries = append(boundaries, PartBoundary{
			Index:    index,
			Start:    start,
			End:      start + size - 1,
			PartSize: size,
		})
	}

	return boundaries, nil
}
