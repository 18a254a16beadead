package blob

import (
	"context"
	"fmt"
	"strings"

	"orderledger/internal/config"
	"orderledger/internal/infra/blob/fs"
	memorystore "orderledger/internal/infra/blob/memory"
	infraS3 "orderledger/internal/infra/blob/s3"
)

// Open selects a blob.Store implementation from configuration.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(strings.ToLower(cfg.Driver)) {
	case DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, infraS3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
