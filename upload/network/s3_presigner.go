package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/vip-tools/go-transferutils/upload/network/protocol"
)

const (
	defaultPresignExpiry = 15 * time.Minute
	unsignedPayload      = "UNSIGNED-PAYLOAD"
)

// S3PresignerConfig configures direct signing against an S3 compatible bucket.
type S3PresignerConfig struct {
	Bucket string
	Region string
	// Endpoint switches to path-style addressing against a custom endpoint (MinIO, localstack).
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// Expires is the lifetime of every signed URL. Default: 15m
	Expires time.Duration
}

// S3Presigner signs storage requests locally with AWS credentials, standing in for the control plane.
type S3Presigner struct {
	config    S3PresignerConfig
	awsConfig aws.Config
	presigner *s3.PresignClient
	signer    *v4.Signer
	logger    log.Logger
}

// NewS3Presigner ...
func NewS3Presigner(ctx context.Context, cfg S3PresignerConfig, logger log.Logger) (*S3Presigner, error) {
	if cfg.Bucket == "" {
		return nil, protocol.InvalidInputf("bucket is required")
	}
	if cfg.Region == "" {
		return nil, protocol.InvalidInputf("region is required")
	}
	if cfg.Expires <= 0 {
		cfg.Expires = defaultPresignExpiry
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Presigner{
		config:    cfg,
		awsConfig: awsConfig,
		presigner: s3.NewPresignClient(client),
		signer:    v4.NewSigner(),
		logger:    logger,
	}, nil
}

// ObjectKey is where the file for params lands in the bucket.
func (p *S3Presigner) ObjectKey(params protocol.SignedRequestParams) string {
	return path.Join(p.config.Prefix, strconv.Itoa(params.AppID), strconv.Itoa(params.EnvID), params.Basename)
}

// SignedRequest implements protocol.SignedRequester.
func (p *S3Presigner) SignedRequest(ctx context.Context, params protocol.SignedRequestParams) (protocol.PresignedRequest, error) {
	if params.Basename == "" {
		return protocol.PresignedRequest{}, protocol.InvalidInputf("basename is required")
	}
	key := p.ObjectKey(params)
	p.logger.Debugf("Signing %s for s3://%s/%s", params.Action, p.config.Bucket, key)

	expires := func(opts *s3.PresignOptions) {
		opts.Expires = p.config.Expires
	}

	switch params.Action {
	case protocol.ActionPutObject:
		req, err := p.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return protocol.PresignedRequest{}, err
		}
		return protocol.PresignedRequest{Method: req.Method, URL: req.URL, Headers: flattenHeader(req.SignedHeader)}, nil
	case protocol.ActionUploadPart:
		if params.UploadID == "" || params.PartNumber < 1 {
			return protocol.PresignedRequest{}, protocol.InvalidInputf("upload part needs an upload id and a part number")
		}
		req, err := p.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(p.config.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(params.UploadID),
			PartNumber: aws.Int32(int32(params.PartNumber)),
		}, expires)
		if err != nil {
			return protocol.PresignedRequest{}, err
		}
		return protocol.PresignedRequest{Method: req.Method, URL: req.URL, Headers: flattenHeader(req.SignedHeader)}, nil
	case protocol.ActionCreateMultipartUpload:
		return p.presignSession(ctx, params.Action, key, url.Values{"uploads": {""}})
	case protocol.ActionCompleteMultipartUpload, protocol.ActionListParts, protocol.ActionAbortMultipartUpload:
		if params.UploadID == "" {
			return protocol.PresignedRequest{}, protocol.InvalidInputf("%s needs an upload id", params.Action)
		}
		return p.presignSession(ctx, params.Action, key, url.Values{"uploadId": {params.UploadID}})
	default:
		return protocol.PresignedRequest{}, protocol.InvalidInputf("unsupported action %q", params.Action)
	}
}

// presignSession signs the multipart session calls the presign client has no helper for.
func (p *S3Presigner) presignSession(ctx context.Context, action protocol.Action, key string, query url.Values) (protocol.PresignedRequest, error) {
	creds, err := p.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return protocol.PresignedRequest{}, fmt.Errorf("retrieve credentials: %w", err)
	}

	target, err := p.objectURL(key)
	if err != nil {
		return protocol.PresignedRequest{}, err
	}
	query.Set("X-Amz-Expires", strconv.Itoa(int(p.config.Expires.Seconds())))
	target.RawQuery = query.Encode()

	method := action.DefaultMethod()
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return protocol.PresignedRequest{}, err
	}

	signedURL, signedHeader, err := p.signer.PresignHTTP(ctx, creds, req, unsignedPayload, "s3", p.config.Region, time.Now(),
		func(o *v4.SignerOptions) {
			o.DisableURIPathEscaping = true
		})
	if err != nil {
		return protocol.PresignedRequest{}, fmt.Errorf("presign %s: %w", action, err)
	}

	return protocol.PresignedRequest{Method: method, URL: signedURL, Headers: flattenHeader(signedHeader)}, nil
}

func (p *S3Presigner) objectURL(key string) (*url.URL, error) {
	if p.config.Endpoint != "" {
		base, err := url.Parse(strings.TrimSuffix(p.config.Endpoint, "/"))
		if err != nil {
			return nil, protocol.InvalidInputf("invalid endpoint %q: %s", p.config.Endpoint, err)
		}
		base.Path = base.Path + "/" + p.config.Bucket + "/" + key
		return base, nil
	}
	return &url.URL{
		Scheme: "https",
		Host:   fmt.Sprintf("%s.s3.%s.amazonaws.com", p.config.Bucket, p.config.Region),
		Path:   "/" + key,
	}, nil
}

// flattenHeader drops Host, which net/http derives from the URL.
func flattenHeader(header http.Header) map[string]string {
	headers := map[string]string{}
	for k, v := range header {
		if strings.EqualFold(k, "Host") || len(v) == 0 {
			continue
		}
		headers[k] = strings.Join(v, ",")
	}
	return headers
}
