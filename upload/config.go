package upload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/vip-tools/go-transferutils/upload/network"
	"github.com/vip-tools/go-transferutils/upload/network/partuploader"
)

const (
	apiURLKey             = "VIP_UPLOAD_API_URL"
	apiTokenKey           = "VIP_UPLOAD_API_TOKEN"
	compressThresholdKey  = "VIP_UPLOAD_COMPRESS_THRESHOLD"
	multipartThresholdKey = "VIP_UPLOAD_MULTIPART_THRESHOLD"
	partSizeKey           = "VIP_UPLOAD_PART_SIZE"
	concurrencyKey        = "VIP_UPLOAD_CONCURRENCY"
	abortOnFailureKey     = "VIP_UPLOAD_ABORT_ON_FAILURE"
	s3BucketKey           = "VIP_UPLOAD_S3_BUCKET"
	s3RegionKey           = "VIP_UPLOAD_S3_REGION"
	s3EndpointKey         = "VIP_UPLOAD_S3_ENDPOINT"
	s3PrefixKey           = "VIP_UPLOAD_S3_PREFIX"
	awsAccessKeyIDKey     = "AWS_ACCESS_KEY_ID"
	awsSecretKey          = "AWS_SECRET_ACCESS_KEY"
)

// Secret is a config value that must not show up in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// S3Config selects direct signing against a bucket instead of the control plane.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey Secret
}

// Enabled ...
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Config holds everything an Uploader needs besides the destination.
type Config struct {
	APIBaseURL         Secret
	APIAccessToken     Secret
	CompressThreshold  int64
	MultipartThreshold int64
	PartSize           int64
	Concurrency        int
	AbortOnFailure     bool
	S3                 S3Config
}

// NewConfig reads the upload configuration from the environment.
func NewConfig(envRepo env.Repository) (Config, error) {
	config := Config{
		CompressThreshold:  network.DefaultCompressThreshold,
		MultipartThreshold: network.DefaultMultipartThreshold,
		PartSize:           partuploader.DefaultPartSize,
		Concurrency:        partuploader.DefaultConcurrency,
		AbortOnFailure:     true,
		S3: S3Config{
			Bucket:          envRepo.Get(s3BucketKey),
			Region:          envRepo.Get(s3RegionKey),
			Endpoint:        envRepo.Get(s3EndpointKey),
			Prefix:          envRepo.Get(s3PrefixKey),
			AccessKeyID:     envRepo.Get(awsAccessKeyIDKey),
			SecretAccessKey: Secret(envRepo.Get(awsSecretKey)),
		},
	}

	if config.S3.Enabled() {
		if config.S3.Region == "" {
			return Config{}, fmt.Errorf("'%s' must be set when '%s' is", s3RegionKey, s3BucketKey)
		}
	} else {
		apiBaseURL := envRepo.Get(apiURLKey)
		if apiBaseURL == "" {
			return Config{}, fmt.Errorf("the secret '%s' is not defined", apiURLKey)
		}
		apiAccessToken := envRepo.Get(apiTokenKey)
		if apiAccessToken == "" {
			return Config{}, fmt.Errorf("the secret '%s' is not defined", apiTokenKey)
		}
		config.APIBaseURL = Secret(apiBaseURL)
		config.APIAccessToken = Secret(apiAccessToken)
	}

	var err error
	if config.CompressThreshold, err = sizeValue(envRepo, compressThresholdKey, config.CompressThreshold); err != nil {
		return Config{}, err
	}
	if config.MultipartThreshold, err = sizeValue(envRepo, multipartThresholdKey, config.MultipartThreshold); err != nil {
		return Config{}, err
	}
	if config.PartSize, err = sizeValue(envRepo, partSizeKey, config.PartSize); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(envRepo.Get(concurrencyKey)); value != "" {
		concurrency, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", concurrencyKey, err)
		}
		config.Concurrency = concurrency
	}
	if value := strings.TrimSpace(envRepo.Get(abortOnFailureKey)); value != "" {
		abort, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", abortOnFailureKey, err)
		}
		config.AbortOnFailure = abort
	}

	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	if c.PartSize < 1 {
		return fmt.Errorf("part size should be at least 1 byte")
	}
	if c.MultipartThreshold < 1 {
		return fmt.Errorf("multipart threshold should be at least 1 byte")
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("compress threshold should not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1")
	}
	return nil
}

// sizeValue parses a human size such as "16MB" (binary units) from key, keeping fallback when unset.
func sizeValue(envRepo env.Repository, key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return size, nil
}
