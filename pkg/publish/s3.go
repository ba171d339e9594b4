package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// s3API is the slice of the S3 client the publisher uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config carries the connection settings for an S3 destination. Region,
// profile and static credentials are optional; unset fields fall back to the
// ambient AWS configuration.
type S3Config struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Publisher uploads artifacts to bucket/prefix.
type S3Publisher struct {
	client  s3API
	bucket  string
	prefix  string
	baseURL string
	logger  *zap.Logger
}

// NewS3Publisher builds a publisher for a "bucket/prefix" destination using
// the ambient AWS configuration (env, shared config) plus S3-specific
// environment overrides.
func NewS3Publisher(ctx context.Context, destination, baseURL string, logger *zap.Logger) (*S3Publisher, error) {
	cfg := S3Config{
		Region:          os.Getenv("AWS_REGION"),
		Endpoint:        os.Getenv("AWS_ENDPOINT_URL"),
		Profile:         os.Getenv("AWS_PROFILE"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		ForcePathStyle:  os.Getenv("AWS_S3_FORCE_PATH_STYLE") == "true",
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3PublisherWithClient(client, destination, baseURL, logger)
}

func newS3PublisherWithClient(client s3API, destination, baseURL string, logger *zap.Logger) (*S3Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(destination, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 destination %q has no bucket", destination)
	}
	return &S3Publisher{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (p *S3Publisher) Publish(ctx context.Context, source string) (string, error) {
	f, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := path.Join(p.prefix, filepath.Base(source))
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to s3://%s/%s: %w", source, p.bucket, key, err)
	}
	p.logger.Debug("uploaded artifact",
		zap.String("bucket", p.bucket), zap.String("key", key))
	return publishedURL(p.baseURL, source), nil
}
