// Package report keeps reconciliation reports in an S3-compatible bucket.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hypothesis/h-sub003/internal/config"
	"github.com/hypothesis/h-sub003/internal/indexer"
	"github.com/hypothesis/h-sub003/internal/logger"
)

const keyPrefix = "reconcile/"

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive stores reports as reconcile/<timestamp>.json. A nil *Archive
// discards them.
type Archive struct {
	client objectPutter
	bucket string
	log    *logger.Logger
}

// Open connects to the object store and creates the bucket if needed. It
// returns nil when no endpoint is configured.
func Open(ctx context.Context, cfg config.ArchiveConfig, log *logger.Logger) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return newArchive(client, cfg.Bucket, log), nil
}

func newArchive(client objectPutter, bucket string, log *logger.Logger) *Archive {
	return &Archive{client: client, bucket: bucket, log: log.With("component", "report", "bucket", bucket)}
}

// Key is the object name for a report that started at t.
func Key(t time.Time) string {
	return keyPrefix + t.UTC().Format("20060102T150405.000000Z") + ".json"
}

func (a *Archive) Store(ctx context.Context, r indexer.Report) error {
	if a == nil {
		return nil
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := Key(r.Started)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Debug("stored reconciliation report", "key", key)
	return nil
}
