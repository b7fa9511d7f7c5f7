package archive

import (
	"context"
	"fmt"

	"github.com/avrtpro/avrt-firewall/pkg/config"
)

// Backend names accepted by AVRT_ARCHIVE_TYPE.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// NewStoreFromConfig opens the archive backend selected by cfg.ArchiveType.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ArchiveType {
	case BackendFS, "":
		return NewFileStore(cfg.ArchivePath())
	case BackendS3:
		if cfg.ArchiveS3Bucket == "" {
			return nil, fmt.Errorf("archive: AVRT_ARCHIVE_S3_BUCKET is required for s3")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
			Prefix:   cfg.ArchivePrefix,
		})
	case BackendGCS:
		if cfg.ArchiveGCSBucket == "" {
			return nil, fmt.Errorf("archive: AVRT_ARCHIVE_GCS_BUCKET is required for gcs")
		}
		return newGCSStore(ctx, cfg.ArchiveGCSBucket, cfg.ArchivePrefix)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.ArchiveType)
	}
}
