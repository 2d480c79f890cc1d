//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func openGCS(_ context.Context, _ string) (Sink, func() error, error) {
	return nil, nil, errors.New("archive: GCS is not enabled in this build (use -tags gcp)")
}
