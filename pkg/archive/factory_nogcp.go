//go:build !gcp

package archive

import (
	"context"
	"errors"
)

// ErrGCSDisabled is returned when the binary was built without -tags gcp.
var ErrGCSDisabled = errors.New("archive: gcs backend not compiled in (build with -tags gcp)")

func newGCSStore(context.Context, string, string) (Store, error) {
	return nil, ErrGCSDisabled
}
