// Package basefs abstracts where base filesystems come from. A Source can
// unpack a complete root filesystem tree into a directory, regardless of
// whether it originates from a local tar.gz archive or an OCI registry.
package basefs

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Source provides a base root filesystem tree.
type Source interface {
	// Unpack writes the full filesystem tree into dir. The directory must
	// exist and should be empty.
	Unpack(ctx context.Context, dir string) error
	// Digest identifies the content of the source, used as a cache key for
	// built artifacts.
	Digest(ctx context.Context) (digest.Digest, error)
	Info() string
}
