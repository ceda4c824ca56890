package export

import (
	"context"
	"fmt"
)

// StoreType selects the statement archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Config selects and parameterizes a statement store backend.
type Config struct {
	Type StoreType
	// Dir is the filesystem root for the fs backend. Defaults to "exports".
	Dir string

	S3 S3Config

	GCSBucket string
}

// New builds the statement store named by cfg.Type. An empty type means
// the filesystem backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	typ := cfg.Type
	if typ == "" {
		typ = StoreTypeFS
	}
	switch typ {
	case StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "exports"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("export: unsupported store type %q", typ)
	}
}
