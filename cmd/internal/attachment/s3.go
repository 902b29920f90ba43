package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3/MinIO configuration.
type S3Config struct {
	Endpoint        string // e.g. "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // e.g. "http://localhost:9000/attachments"
}

// S3Blob is a Blob backed by an S3-compatible object store.
type S3Blob struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Blob creates an S3 client with static credentials and path-style addressing.
func NewS3Blob(cfg S3Config) (*S3Blob, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 blob: empty bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // required for MinIO
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Blob{
		client:    s3.New(opts),
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Put uploads in.Data and returns its public URL.
func (s *S3Blob) Put(ctx context.Context, in PutInput) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(in.Key),
		Body:          bytes.NewReader(in.Data),
		ContentType:   aws.String(in.ContentType),
		ContentLength: aws.Int64(int64(len(in.Data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading to s3: %w", err)
	}
	return s.publicURL + "/" + in.Key, nil
}

// Delete removes an object.
func (s *S3Blob) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}

// Ping checks that the bucket is reachable (readiness).
func (s *S3Blob) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 head bucket: %w", err)
	}
	return nil
}
