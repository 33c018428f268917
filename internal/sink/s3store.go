package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

const parquetContentType = "application/vnd.apache.parquet"

// S3Store writes archive objects to an S3-compatible bucket. The client is
// stateless per call and safe to reuse without locking. A missing bucket is
// created on first use so local development against MinIO needs no setup.
type S3Store struct {
	client *s3.Client
	bucket string
	region string
	log    logging.Logger
}

// NewS3Store loads AWS configuration (static credentials and custom endpoint
// when configured, ambient credential chain otherwise) and returns the store.
func NewS3Store(ctx context.Context, cfg *config.Config, log logging.Logger) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// MinIO and most self-hosted gateways require path-style access.
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
		log:    log,
	}, nil
}

// Put writes one object. When the bucket does not exist yet it is created and
// the put retried once.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	err := s.put(ctx, key, body)
	if err == nil {
		return nil
	}
	if !isNoSuchBucket(err) {
		return err
	}

	s.log.Info("archive bucket missing, creating", logging.Fields{"bucket": s.bucket})
	if cerr := s.createBucket(ctx); cerr != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, cerr)
	}
	return s.put(ctx, key, body)
}

func (s *S3Store) put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(parquetContentType),
	})
	return err
}

func (s *S3Store) createBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}
	// us-east-1 rejects an explicit location constraint.
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
	}
	return err
}

func isNoSuchBucket(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket", "NotFound":
		return true
	default:
		return false
	}
}
