package proc

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/minio/minio-go/v7"
)

// S3Store mirrors cached blobs and rendered feeds to a bucket
type S3Store struct {
	Client   *minio.Client
	Location string
	Bucket   string
	Prefix   string
}

// UploadBlob to s3 storage
func (s *S3Store) UploadBlob(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	info, err := s.upload(ctx, objectName, r, size, contentType)
	if err != nil {
		return err
	}
	log.Printf("[DEBUG] mirrored %s, %d bytes", info.Key, info.Size)
	return nil
}

// UploadFeed to s3 storage, returns object location
func (s *S3Store) UploadFeed(ctx context.Context, objectName string, r io.Reader, size int64) (string, error) {
	info, err := s.upload(ctx, objectName, r, size, "application/atom+xml")
	if err != nil {
		return "", err
	}
	if info.Location != "" {
		return info.Location, nil
	}
	return s.getLocation(ctx, info.Key)
}

func (s *S3Store) upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (*minio.UploadInfo, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	if s.Prefix != "" {
		objectName = path.Join(s.Prefix, objectName)
	}

	uploadInfo, err := s.Client.PutObject(ctx, s.Bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("upload %s to %s: %w", objectName, s.Bucket, err)
	}
	return &uploadInfo, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("can't check bucket %s: %w", s.Bucket, err)
	}
	if exists {
		return nil
	}
	if err = s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: s.Location}); err != nil {
		return fmt.Errorf("can't create bucket %s: %w", s.Bucket, err)
	}
	log.Printf("[INFO] created bucket %s", s.Bucket)
	return nil
}

func (s *S3Store) getLocation(ctx context.Context, objectName string) (string, error) {
	endpoint := s.Client.EndpointURL()

	statInfo, err := s.Client.StatObject(ctx, s.Bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("can't get location of %s in %s: %w", objectName, s.Bucket, err)
	}

	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint.String(), "/"), s.Bucket, statInfo.Key), nil
}
