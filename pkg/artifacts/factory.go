package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSStoreConfig configures the GCS backend, available with -tags gcp.
type GCSStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// StoreConfig selects and configures a backend. Dir is the filesystem
// store's directory.
type StoreConfig struct {
	Type StoreType      `yaml:"type"`
	Dir  string         `yaml:"dir"`
	S3   S3StoreConfig  `yaml:"s3"`
	GCS  GCSStoreConfig `yaml:"gcs"`
}

// Open creates the store described by cfg. An empty type means fs.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "artifacts")
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}

// StoreConfigFromEnv reads the backend selection from the environment.
//
// Environment variables:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory; blobs go to DATA_DIR/artifacts (default "data")
//
// For S3:
//   - ARTIFACT_S3_BUCKET (required)
//   - ARTIFACT_S3_REGION or AWS_REGION (default us-east-1)
//   - ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX (optional)
//
// For GCS:
//   - ARTIFACT_GCS_BUCKET (required)
//   - ARTIFACT_GCS_PREFIX (optional)
func StoreConfigFromEnv() StoreConfig {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return StoreConfig{
		Type: StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		Dir:  filepath.Join(dataDir, "artifacts"),
		S3: S3StoreConfig{
			Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		},
		GCS: GCSStoreConfig{
			Bucket: os.Getenv("ARTIFACT_GCS_BUCKET"),
			Prefix: os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
	}
}

// NewStoreFromEnv opens the store described by StoreConfigFromEnv.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, StoreConfigFromEnv())
}
