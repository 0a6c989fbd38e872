package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AssetsConfig locates model weights in S3-compatible storage.
type AssetsConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
	CacheDir  string
}

type objectStore interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// Assets mirrors model weight objects into a local cache directory.
type Assets struct {
	cfg    AssetsConfig
	client objectStore
	logger *slog.Logger
}

// NewAssets creates an object storage client for cfg.
func NewAssets(cfg AssetsConfig, logger *slog.Logger) (*Assets, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("assets bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Assets{cfg: cfg, client: client, logger: logger}, nil
}

// Sync downloads every object under the configured prefix that is missing
// locally or whose local size differs. It returns the number of files fetched.
func (a *Assets) Sync(ctx context.Context) (int, error) {
	if err := os.MkdirAll(a.cfg.CacheDir, 0o755); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}

	fetched := 0
	objects := a.client.ListObjects(ctx, a.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    a.cfg.Prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fetched, fmt.Errorf("list objects: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, a.cfg.Prefix), "/")
		if !filepath.IsLocal(rel) {
			a.logger.Warn("skipping asset outside cache dir", "object", obj.Key)
			continue
		}
		local := filepath.Join(a.cfg.CacheDir, filepath.FromSlash(rel))
		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			continue
		}

		if err := a.client.FGetObject(ctx, a.cfg.Bucket, obj.Key, local, minio.GetObjectOptions{}); err != nil {
			return fetched, fmt.Errorf("download %s: %w", obj.Key, err)
		}
		a.logger.Info("asset downloaded", "object", obj.Key, "bytes", obj.Size)
		fetched++
	}
	return fetched, nil
}
