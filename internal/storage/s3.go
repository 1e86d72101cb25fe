package storage

import (
	"context"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mdouchement/logger"
	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/config"
)

const s3MaxBackoff = 20 * time.Second

type s3backend struct {
	logger logger.Logger
	client *s3.Client
	bucket string
}

// NewS3 returns a backend for an S3 compatible object store.
// Requests use path-style addressing against cfg.Endpoint and transient failures
// are retried by the SDK standard retryer, bounded by cfg.Retries attempts.
func NewS3(ctx context.Context, cfg config.Config, log logger.Logger) (Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = cfg.Retries + 1
				o.MaxBackoff = s3MaxBackoff
			})
		}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not load AWS configuration")
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	b := &s3backend{
		logger: log,
		client: client,
		bucket: cfg.Bucket,
	}
	return b, b.ensureBucket(ctx, cfg.CreateBucket)
}

func (b *s3backend) ensureBucket(ctx context.Context, create bool) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	if !isS3NotFound(err) {
		return errors.Wrapf(err, "could not check bucket %s", b.bucket)
	}
	if !create {
		return errors.Errorf("bucket %s not found, and create not allowed", b.bucket)
	}

	b.logger.Infof("Creating bucket %s", b.bucket)
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return errors.Wrapf(err, "could not create bucket %s", b.bucket)
}

func (b *s3backend) Name() string {
	return "s3"
}

func (b *s3backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "could not head %s", key)
}

// Put uploads the content in a single request.
// r should be an io.ReadSeeker so that the SDK can sign the payload and rewind it on retries.
func (b *s3backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err := b.client.PutObject(ctx, input)
	return errors.Wrapf(err, "could not put %s", key)
}

func (b *s3backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not get %s", key)
	}
	return out.Body, nil
}

func (b *s3backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil
	}
	return errors.Wrapf(err, "could not delete %s", key)
}

func (b *s3backend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", errors.Wrapf(err, "could not list %s", prefix))
				return
			}

			for _, object := range page.Contents {
				if !yield(aws.ToString(object.Key), nil) {
					return
				}
			}
		}
	}
}

func (b *s3backend) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}

	var apierr smithy.APIError
	if errors.As(err, &apierr) {
		switch apierr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}

	var resperr *awshttp.ResponseError
	return errors.As(err, &resperr) && resperr.HTTPStatusCode() == http.StatusNotFound
}
