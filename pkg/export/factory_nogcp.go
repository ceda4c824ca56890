//go:build !gcp

package export

import (
	"context"
	"errors"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return nil, errors.New("export: gcs storage requires a build with -tags gcp")
}
