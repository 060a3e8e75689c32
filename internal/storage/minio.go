package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/facegate/internal/config"
)

// ScanArchive stores the decoded probe image of every recognition
// attempt in object storage. Archiving is best-effort and never
// affects the access decision.
type ScanArchive struct {
	client *minio.Client
	bucket string
}

func NewScanArchive(cfg config.MinIOConfig) (*ScanArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &ScanArchive{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (a *ScanArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// ArchiveScan stores a probe JPEG under scans/<sn>/<unix-nano>.jpg.
func (a *ScanArchive) ArchiveScan(ctx context.Context, deviceSN string, unixNano int64, jpegData []byte) error {
	key := fmt.Sprintf("scans/%s/%d.jpg", deviceSN, unixNano)
	reader := bytes.NewReader(jpegData)
	_, err := a.client.PutObject(ctx, a.bucket, key, reader, int64(len(jpegData)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetScan retrieves an archived probe by key.
func (a *ScanArchive) GetScan(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Ping checks connectivity.
func (a *ScanArchive) Ping(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}
