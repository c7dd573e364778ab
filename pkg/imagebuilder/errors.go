package imagebuilder

import "errors"

var (
	// ErrMissingGzipHeader is returned when no gzip member signature can be
	// found in a boot kernel image.
	ErrMissingGzipHeader = errors.New("no gzip stream found in kernel image")

	// ErrRootFsConsumed is returned when an operation is invoked on a root
	// filesystem handle that has already been consumed by Mount or Unmount.
	ErrRootFsConsumed = errors.New("root filesystem handle already consumed")
)
