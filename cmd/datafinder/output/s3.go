package output

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3API is the part of the S3 client the sink uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // S3 compatible endpoint such as MinIO
	PathStyle bool
}

// S3Sink uploads exports to s3://<bucket>/<prefix>/<name>
type S3Sink struct {
	client S3API
	bucket string
	prefix string
	log    zerolog.Logger
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates a sink using the default AWS credential chain.
func NewS3Sink(ctx context.Context, cfg S3Config, log zerolog.Logger, optFns ...func(*config.LoadOptions) error) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, append([]func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}, optFns...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

func NewS3SinkWithClient(client S3API, bucket, prefix string, log zerolog.Logger) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "s3_sink").Logger(),
	}
}

func (s *S3Sink) Write(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.log.Info().Str("location", location).Int("bytes", len(data)).Msg("Uploaded export")
	return location, nil
}
