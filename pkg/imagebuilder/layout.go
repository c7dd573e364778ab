package imagebuilder

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	mountDirName   = "mount"
	rootfsFileName = "rootfs.ext4"
)

// Layout resolves the on-disk directories used by the image builder. Every
// build gets its own working dir below Root, named after the build id. The
// mount dir is a single location shared by all builds: only one build may
// hold it mounted at a time, so builds must be serialized (see Builder).
type Layout struct {
	Root string
}

// WorkingDir returns the per-build directory holding the rootfs file and the
// extracted boot artifacts.
func (l Layout) WorkingDir(buildID string) string {
	return filepath.Join(l.Root, buildID)
}

// MountDir returns the shared mount point for disk images under construction.
func (l Layout) MountDir() string {
	return filepath.Join(l.Root, mountDirName)
}

// RootFsFile returns the path of the build's backing disk image file.
func (l Layout) RootFsFile(buildID string) string {
	return filepath.Join(l.WorkingDir(buildID), rootfsFileName)
}

// SetupDirs creates the builder root, the shared mount dir and the build's
// working dir. Directories that already exist are accepted as they are.
func (l Layout) SetupDirs(buildID string) error {
	dirs := []string{l.Root, l.MountDir(), l.WorkingDir(buildID)}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	return nil
}
