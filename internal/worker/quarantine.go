package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"

	"dcs-mission-validator/internal/config"
)

// archiveUploader keeps a copy of a rejected archive before it is deleted.
type archiveUploader interface {
	Upload(ctx context.Context, key, srcPath string) (string, error)
}

// newUploaders builds the quarantine targets enabled in cfg.
func newUploaders(ctx context.Context, cfg config.Config) ([]archiveUploader, error) {
	var uploaders []archiveUploader
	if cfg.QuarantineDir != "" {
		uploaders = append(uploaders, &localUploader{baseDir: cfg.QuarantineDir})
	}
	if cfg.QuarantineS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, &s3Uploader{client: client, bucket: cfg.QuarantineS3Bucket})
	}
	return uploaders, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.QuarantineS3Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.QuarantineS3PathStyle
		if cfg.QuarantineS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.QuarantineS3Endpoint)
		}
	}), nil
}

// quarantineKey groups copies by rejection time so repeated uploads of the
// same mission name never collide.
func quarantineKey(archivePath string, at time.Time) string {
	return at.UTC().Format("20060102T150405.000Z") + "/" + sanitizeKey(filepath.Base(archivePath))
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

// Upload copies srcPath below baseDir. The copy is written to a temporary
// file and renamed so a partial copy is never left under the final name.
func (l *localUploader) Upload(_ context.Context, key, srcPath string) (string, error) {
	dst := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return "", errors.Wrap(err, "open source")
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".quarantine-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "copy archive")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "rename temp file")
	}
	return dst, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key, srcPath string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", errors.Wrap(err, "open source")
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
