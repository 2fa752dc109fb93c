package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names an artifact storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and parameterises the blob store.
type Config struct {
	Backend Backend   `yaml:"backend"`
	DataDir string    `yaml:"data_dir"`
	S3      S3Config  `yaml:"s3"`
	GCS     GCSConfig `yaml:"gcs"`
}

// NewStore opens the configured backend. The filesystem backend is the
// default and keeps blobs under <DataDir>/artifacts.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Backend)
	}
}
