// Package archive uploads packaged tracks to S3 compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"stemflow/internal/config"
	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// Archiver copies a finished file to long-term storage and returns its
// location.
type Archiver interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads to a single bucket under an optional key prefix.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

// New returns an S3 archiver for cfg, or a no-op archiver when archiving
// is disabled.
func New(ctx context.Context, cfg config.Archive, logger *slog.Logger) (Archiver, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "archive", "new", "bucket is required", nil)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
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
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3Archiver wraps an existing client.
func NewS3Archiver(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.NewComponentLogger(logger, "archive"),
	}
}

// Key returns the object key for a path relative to the output root.
func (a *S3Archiver) Key(rel string) string {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	if a.prefix == "" {
		return rel
	}
	return path.Join(a.prefix, rel)
}

// Upload stores localPath under key (prefixed) and returns its s3:// URL.
func (a *S3Archiver) Upload(ctx context.Context, localPath, key string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "archive", "open", localPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "archive", "stat", localPath, err)
	}

	objectKey := a.Key(key)
	contentType := contentTypeFor(localPath)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(objectKey),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", services.Wrap(services.ErrTimeout, "archive", "put object", objectKey, err)
		}
		return "", services.Wrap(services.ErrTransient, "archive", "put object", objectKey, err)
	}
	location := fmt.Sprintf("s3://%s/%s", a.bucket, objectKey)
	a.logger.Info("archived",
		logging.String("location", location),
		logging.Int64("bytes", info.Size()),
	)
	return location, nil
}

func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Noop skips archiving.
type Noop struct{}

// Upload reports success without storing anything.
func (Noop) Upload(context.Context, string, string) (string, error) { return "", nil }
