package s3util

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/media"
)

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PresignAPI is the subset of the S3 presign client used here.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// UploadFile uploads a local file, tagged for cost allocation.
func UploadFile(ctx context.Context, client PutObjectAPI, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	contentType := media.MIMEType(localPath)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("File uploaded to S3")
	return nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient PresignAPI, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

// Stager publishes local files under a bucket prefix and returns presigned
// URLs vendors can fetch them from.
type Stager struct {
	client    PutObjectAPI
	presigner PresignAPI
	bucket    string
	expiry    time.Duration
}

func NewStager(client PutObjectAPI, presigner PresignAPI, bucket string, expiry time.Duration) *Stager {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Stager{client: client, presigner: presigner, bucket: bucket, expiry: expiry}
}

// PublicURL uploads localPath to "staged/<traceID>/<base name>" and returns
// a presigned GET URL for it.
func (s *Stager) PublicURL(ctx context.Context, traceID, localPath string) (string, error) {
	key := path.Join("staged", traceID, filepath.Base(localPath))
	start := time.Now()
	if err := UploadFile(ctx, s.client, s.bucket, key, localPath); err != nil {
		return "", err
	}
	url, err := GeneratePresignedURL(ctx, s.presigner, s.bucket, key, s.expiry)
	if err != nil {
		return "", err
	}
	log.Info().Str("key", key).Dur("elapsed", time.Since(start)).Msg("Media staged for vendor fetch")
	return url, nil
}
