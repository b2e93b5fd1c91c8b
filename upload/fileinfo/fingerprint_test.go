package fileinfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{
			name:    "known fixture",
			content: []byte("hello world"),
			want:    "5eb63bbbe01eeed093cb22bb8f5acdc3",
		},
		{
			name:    "empty file",
			content: []byte{},
			want:    "d41d8cd98f00b204e9800998ecf8427e",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "fixture", tt.content)

			got, err := Fingerprint(path)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	path := writeFile(t, "large.bin", bytes.Repeat([]byte("wp_options"), 512*1024))

	first, err := Fingerprint(path)
	require.NoError(t, err)
	second, err := Fingerprint(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
}

func TestFingerprint_MissingFile(t *testing.T) {
	_, err := Fingerprint("/nonexistent/dump.sql")
	assert.Error(t, err)
}
