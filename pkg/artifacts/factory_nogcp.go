//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, GCSConfig) (Store, error) {
	return nil, errors.New("gcs artifact storage is not enabled in this build (use -tags gcp)")
}
