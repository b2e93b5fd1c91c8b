package partuploader

import (
	"net/http"
	"time"
)

const (
	// DefaultConcurrency is the number of part uploads allowed in flight at once.
	DefaultConcurrency = 5
	// DefaultPartSize is 16 MiB.
	DefaultPartSize int64 = 16 * 1024 * 1024
)

// Config holds configuration for the part uploader.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads.
	// Default: 5
	Concurrency int

	// HTTPClient is the HTTP client to use for uploads.
	// If nil, a default client tuned for large bodies will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		HTTPClient:  nil, // Will be created by Uploader
	}
}

// DefaultHTTPClient creates an HTTP client for storage transfers.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - a part may legitimately take minutes; cancellation comes from the context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          50,
			MaxConnsPerHost:       20,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
			Proxy:                 http.ProxyFromEnvironment,
		},
	}
}
