package attachments

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config configures the object store connection. Endpoint may point at any
// S3-compatible service (MinIO in development).
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicBaseURL is the URL prefix stored on requests; it may differ from
	// Endpoint when a CDN fronts the bucket.
	PublicBaseURL string
	UsePathStyle  bool
}

// S3Store stores attachments in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
	logger *zap.Logger
}

// NewS3Store creates a store over the configured bucket.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, cfg: cfg, logger: logger}, nil
}

// Upload writes the body to the bucket and returns the public URL.
func (s *S3Store) Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	ext, ok := AllowedContentType(contentType)
	if !ok {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}

	key := ObjectKey(name, ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug("attachment stored",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("key", key))

	base := s.cfg.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("%s/%s", s.cfg.Endpoint, s.cfg.Bucket)
	}
	return fmt.Sprintf("%s/%s", base, key), nil
}
