package imagebuilder

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	layout := Layout{Root: "/var/lib/fc-man/image-builder"}

	if got := layout.WorkingDir("build-1"); got != "/var/lib/fc-man/image-builder/build-1" {
		t.Errorf("unexpected working dir %s", got)
	}
	if got := layout.MountDir(); got != "/var/lib/fc-man/image-builder/mount" {
		t.Errorf("unexpected mount dir %s", got)
	}
	if got := layout.RootFsFile("build-1"); got != "/var/lib/fc-man/image-builder/build-1/rootfs.ext4" {
		t.Errorf("unexpected rootfs file %s", got)
	}
}

func TestLayoutMountDirShared(t *testing.T) {
	layout := Layout{Root: t.TempDir()}

	// the mount dir does not depend on the build
	if layout.MountDir() != filepath.Join(layout.Root, "mount") {
		t.Errorf("unexpected mount dir %s", layout.MountDir())
	}
	if layout.WorkingDir("a") == layout.WorkingDir("b") {
		t.Error("expected distinct working dirs per build")
	}
}

func TestSetupDirsIdempotent(t *testing.T) {
	layout := Layout{Root: t.TempDir()}

	if err := layout.SetupDirs("build-1"); err != nil {
		t.Fatalf("first setup: %v", err)
	}
	if err := layout.SetupDirs("build-1"); err != nil {
		t.Fatalf("second setup: %v", err)
	}

	for _, dir := range []string{layout.Root, layout.MountDir(), layout.WorkingDir("build-1")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", dir)
		}
	}
}
