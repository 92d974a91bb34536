// Package archive copies processed rasters to S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// Config selects the object store and bucket.
type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	Region      string
	UseSSL      bool
	DeleteLocal bool
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads rasters once their statistics are stored.
// It implements pipeline.Archiver.
type Archiver struct {
	store  objectStore
	cfg    Config
	logger *slog.Logger
}

// New creates an Archiver backed by a MinIO client.
func New(cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "archive", "endpoint and bucket are required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "archive", "credentials are required")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "archive", err)
	}
	return &Archiver{store: client, cfg: cfg, logger: logger}, nil
}

// EnsureBucket creates the archive bucket when it is missing.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.cfg.Bucket, err)
	}
	a.logger.Info("created archive bucket", "bucket", a.cfg.Bucket)
	return nil
}

// ObjectKey returns fsc/YYYY/MM/<file name> for asset.
func ObjectKey(asset domain.RasterAsset) string {
	d := asset.ObservationDate()
	return path.Join("fsc", d.Format("2006"), d.Format("01"), domain.CacheFileName(asset.ID, asset.AcquiredAt))
}

// Archive uploads the raster of asset and, when configured, removes the
// local copy and its checksum sidecar.
func (a *Archiver) Archive(ctx context.Context, asset domain.RasterAsset) error {
	key := ObjectKey(asset)
	info, err := a.store.FPutObject(ctx, a.cfg.Bucket, key, asset.Path, minio.PutObjectOptions{
		ContentType: "image/tiff; application=geotiff",
		UserMetadata: map[string]string{
			"asset-id": asset.ID,
			"sha256":   asset.SHA256,
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", asset.ID, err)
	}
	a.logger.Debug("archived raster", "asset_id", asset.ID, "bucket", a.cfg.Bucket, "key", key, "size", info.Size)

	if !a.cfg.DeleteLocal {
		return nil
	}
	err = errors.Join(os.Remove(asset.Path), removeIfExists(asset.Path+".sha256"))
	if err != nil {
		return fmt.Errorf("remove local copy of %s: %w", asset.ID, err)
	}
	return nil
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
