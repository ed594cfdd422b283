// Package s3part runs chunked uploads against S3 compatible storage using the multipart upload API.
package s3part

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/limitcool/biliup-go/upos"
)

const (
	defaultRetries      = 3
	defaultRetryWait    = time.Second
	defaultMaxRetryWait = 30 * time.Second
)

// MultipartAPI is the subset of the S3 client used by the backend.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// Retries is the number of retries after the first attempt of every call.
	// Default: 3
	Retries uint
	// RetryWait is the wait before the first retry. It doubles on every further retry.
	// Default: 1 second
	RetryWait time.Duration
	// MaxRetryWait caps the wait between attempts.
	// Default: 30 seconds
	MaxRetryWait time.Duration
}

// Backend implements upos.Backend on top of S3 multipart uploads. The object key
// is the storage path of the session's upos uri.
type Backend struct {
	client       MultipartAPI
	bucket       string
	retries      uint
	retryWait    time.Duration
	maxRetryWait time.Duration
	logger       log.Logger
}

var _ upos.Backend = (*Backend)(nil)

// New loads the AWS configuration and creates a Backend.
func New(ctx context.Context, params Params, logger log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
		// Attempts are counted and spaced by withRetry only.
		o.Retryer = aws.NopRetryer{}
	})

	retries := params.Retries
	if retries == 0 {
		retries = defaultRetries
	}
	retryWait := params.RetryWait
	if retryWait == 0 {
		retryWait = defaultRetryWait
	}

	backend := NewWithClient(client, params.Bucket, retries, retryWait, logger)
	if params.MaxRetryWait > 0 {
		backend.maxRetryWait = params.MaxRetryWait
	}
	return backend, nil
}

// NewWithClient creates a Backend using an existing client. The client should not
// retry on its own, otherwise every attempt of the Backend multiplies.
func NewWithClient(client MultipartAPI, bucket string, retries uint, retryWait time.Duration, logger log.Logger) *Backend {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Backend{
		client:       client,
		bucket:       bucket,
		retries:      retries,
		retryWait:    retryWait,
		maxRetryWait: defaultMaxRetryWait,
		logger:       logger,
	}
}

// OpenSession creates a multipart upload and returns its id.
func (b *Backend) OpenSession(ctx context.Context, session upos.Session) (string, error) {
	var uploadID string
	err := b.withRetry(ctx, "create multipart upload", func() error {
		out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(session.Path()),
		})
		if err != nil {
			return err
		}
		if out.UploadId == nil || *out.UploadId == "" {
			return fmt.Errorf("%w: no upload id in response", upos.ErrFatal)
		}
		uploadID = *out.UploadId
		return nil
	})
	return uploadID, err
}

// UploadPart uploads one chunk and uses the returned ETag as its integrity tag.
func (b *Backend) UploadPart(ctx context.Context, upload upos.Upload, chunk upos.Chunk) (upos.Part, error) {
	var etag string
	err := b.withRetry(ctx, fmt.Sprintf("upload part %d", chunk.PartNumber()), func() error {
		out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(upload.Session.Path()),
			UploadId:      aws.String(upload.ID),
			PartNumber:    aws.Int32(int32(chunk.PartNumber())),
			ContentLength: aws.Int64(int64(chunk.Len())),
			Body:          bytes.NewReader(chunk.Data),
		})
		if err != nil {
			return err
		}
		if out.ETag == nil || *out.ETag == "" {
			return fmt.Errorf("%w: no ETag in response of part %d", upos.ErrFatal, chunk.PartNumber())
		}
		etag = *out.ETag
		return nil
	})
	if err != nil {
		return upos.Part{}, err
	}
	return upos.Part{PartNumber: chunk.PartNumber(), ETag: etag}, nil
}

// Commit completes the multipart upload. The multipart API has no display name, so name is only logged.
func (b *Backend) Commit(ctx context.Context, upload upos.Upload, name string, parts []upos.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	b.logger.Debugf("Completing multipart upload of %s (%s) with %d parts", upload.Session.Path(), name, len(parts))

	return b.withRetry(ctx, "complete multipart upload", func() error {
		_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(upload.Session.Path()),
			UploadId: aws.String(upload.ID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		return err
	})
}

// withRetry runs call up to b.retries+1 times with exponential backoff between
// attempts. Fatal and cancellation errors are not retried.
func (b *Backend) withRetry(ctx context.Context, name string, call func() error) error {
	var lastErr error
	err := retry.Times(b.retries).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			wait := backoff(b.retryWait, b.maxRetryWait, attempt)
			b.logger.Debugf("Retrying %s in %s (attempt %d)", name, wait, attempt+1)
			if err := sleep(ctx, wait); err != nil {
				lastErr = fmt.Errorf("%w: %w", upos.ErrCancelled, err)
				return lastErr, true
			}
		}

		err := call()
		if err == nil {
			return nil, true
		}

		lastErr = classify(err)
		if errors.Is(lastErr, upos.ErrFatal) || errors.Is(lastErr, upos.ErrCancelled) {
			return lastErr, true
		}

		b.logger.Warnf("%s attempt %d failed: %s", name, attempt+1, err)
		return lastErr, false
	})
	if err != nil {
		if lastErr != nil {
			return fmt.Errorf("%s: %w", name, lastErr)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// backoff returns the wait before the given retry: base doubled per retry, capped at limit.
func backoff(base, limit time.Duration, attempt uint) time.Duration {
	if attempt == 0 || base <= 0 {
		return 0
	}
	wait := base
	for i := uint(1); i < attempt; i++ {
		wait *= 2
		if limit > 0 && wait >= limit {
			return limit
		}
	}
	if limit > 0 && wait > limit {
		return limit
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transientCodes are retried even though S3 reports some of them as client faults.
var transientCodes = map[string]bool{
	"SlowDown":               true,
	"Throttling":             true,
	"ThrottlingException":    true,
	"RequestLimitExceeded":   true,
	"TooManyRequests":        true,
	"RequestTimeout":         true,
	"ServiceUnavailable":     true,
	"InternalError":          true,
	"RequestThrottled":       true,
	"BandwidthLimitExceeded": true,
}

// classify maps an S3 error to upos.ErrFatal or upos.ErrTransient.
func classify(err error) error {
	if errors.Is(err, upos.ErrFatal) || errors.Is(err, upos.ErrTransient) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", upos.ErrCancelled, err)
	}

	var apiErr smithy.APIError
	hasAPIErr := errors.As(err, &apiErr)
	if hasAPIErr && transientCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", upos.ErrTransient, err)
	}

	// S3 error responses carry no fault, so the status code decides.
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && fatalStatus(statusErr.HTTPStatusCode()) {
		return fmt.Errorf("%w: %w", upos.ErrFatal, err)
	}

	if hasAPIErr && apiErr.ErrorFault() == smithy.FaultClient {
		return fmt.Errorf("%w: %w", upos.ErrFatal, err)
	}
	return fmt.Errorf("%w: %w", upos.ErrTransient, err)
}

func fatalStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return false
	case status == http.StatusNotImplemented:
		return true
	default:
		return status >= 400 && status < 500
	}
}

func loadAWSConfig(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
