package fileinfo

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
)

// Fingerprint returns the lowercase hex MD5 digest of the file content.
func Fingerprint(path string) (string, error) {
	return NewInspector(nil).Fingerprint(path)
}

// Fingerprint streams the file through MD5; memory use does not depend on file size.
func (i *Inspector) Fingerprint(path string) (string, error) {
	hash := md5.New() //nolint:gosec

	file, err := i.osProxy.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for fingerprint: %w", err)
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", fmt.Errorf("compute fingerprint: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
