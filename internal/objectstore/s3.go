package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
)

// S3Store is the concrete Store backed by an S3-compatible bucket.
type S3Store struct {
	cfg      config.ObjectStore
	client   *s3.S3
	uploader *s3manager.Uploader
	logger   *zap.Logger
}

// NewS3Store builds an S3Store from configuration, establishing a session
// against cfg.EndpointURL (empty means real AWS) and path-style addressing
// for S3-compatible alternatives (MinIO and similar).
func NewS3Store(cfg config.ObjectStore, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.EndpointURL != "" {
		awsCfg.Endpoint = aws.String(cfg.EndpointURL)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if !cfg.UseSSL {
		awsCfg.DisableSSL = aws.Bool(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	return &S3Store{
		cfg:      cfg,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

func (s *S3Store) presignExpiry() time.Duration {
	if s.cfg.PresignExpiry > 0 {
		return s.cfg.PresignExpiry
	}
	return DefaultPresignExpiry
}

func (s *S3Store) PresignPut(ctx context.Context, key string) (string, error) {
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:               aws.String(s.cfg.Bucket),
		Key:                  aws.String(key),
		ServerSideEncryption: aws.String(sseOrDefault(s.cfg.ServerSideEncryption)),
	})
	url, err := req.Presign(s.presignExpiry())
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return url, nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(s.presignExpiry())
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return url, nil
}

func (s *S3Store) HeadObjectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s: %w", key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Store) PutFile(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:               aws.String(s.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 r,
		ServerSideEncryption: aws.String(sseOrDefault(s.cfg.ServerSideEncryption)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetFile(ctx context.Context, key, destPath string) error {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

func (s *S3Store) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

func sseOrDefault(sse string) string {
	if sse == "" {
		return "AES256"
	}
	return sse
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() == 404
	}
	return false
}
