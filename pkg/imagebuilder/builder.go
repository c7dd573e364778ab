// Package imagebuilder produces the disk image and boot artifacts needed to
// launch a Firecracker microVM from a base filesystem.
//
// The pipeline allocates and formats a raw ext4 image, mounts it, unpacks
// a base filesystem into it, runs setup commands inside the mounted root,
// extracts the initramfs and the embedded compressed kernel, and unmounts.
// The mount state of the image is part of the type system: operations that
// need a live mount point exist only on MountedRootFs, which can only be
// obtained by mounting an UnmountedRootFs.
package imagebuilder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdillo/fc-man/pkg/basefs"
	"github.com/bdillo/fc-man/pkg/lock"
)

// Config holds the paths and parameters of the image builder. It is passed
// in explicitly so the builder carries no process-wide state and can be
// pointed at a scratch dir in tests.
type Config struct {
	// Root is the base directory for build working dirs and the shared
	// mount dir.
	Root string
	// ResolvConf is the host resolver config copied into the image so that
	// package installation inside the guest can resolve names.
	ResolvConf string
	// ImageSize is the size of the allocated rootfs file in bytes.
	ImageSize int64
	// KernelVariant is the suffix of the base image's boot files, e.g.
	// "virt" for Alpine's initramfs-virt and vmlinuz-virt.
	KernelVariant string
}

// DefaultConfig returns the builder defaults for an Alpine virt base image.
func DefaultConfig() Config {
	return Config{
		Root:          "/var/lib/fc-man/image-builder",
		ResolvConf:    "/etc/resolv.conf",
		ImageSize:     256 * 1024 * 1024,
		KernelVariant: "virt",
	}
}

// Image describes the three artifacts needed to launch a VM: the customized
// root disk, the initial ramdisk and the decompressed kernel. Ownership
// passes to the caller; the builder keeps no reference to a finished build.
type Image struct {
	RootfsPath string
	InitrdPath string
	KernelPath string
}

// Builder runs the image build pipeline end to end. The shared mount dir
// admits only one mounted build at a time, so Build holds an internal mutex
// for the whole pipeline and additionally takes a file lock under the
// builder root against builds running in other processes.
type Builder struct {
	cfg    Config
	logger *slog.Logger
	runner toolRunner
	locker lock.Locker

	mu sync.Mutex
}

const lockFileName = "builder.lock"

// NewBuilder creates a Builder with the given configuration.
func NewBuilder(cfg Config, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		logger: logger,
		runner: execRunner{},
		locker: lock.NewFileLocker(filepath.Join(cfg.Root, lockFileName)),
	}
}

// BuildImageFromBase builds a bootable image from a gzip compressed tar
// archive containing the base filesystem tree and its /boot assets.
func (b *Builder) BuildImageFromBase(ctx context.Context, baseArchivePath string, commands []Command) (*Image, error) {
	return b.BuildImage(ctx, basefs.NewArchiveSource(baseArchivePath), commands)
}

// BuildImage builds a bootable image from any base filesystem source. The
// stages run strictly in order and the first failing stage aborts the rest.
// There is no rollback: a failure after Mount leaves the shared mount dir
// occupied and must be cleaned up by hand before the next build.
func (b *Builder) BuildImage(ctx context.Context, source basefs.Source, commands []Command) (*Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	buildID := uuid.NewString()
	logger := b.logger.With("build_id", buildID)

	logger.InfoContext(ctx, "starting image build", "source", source.Info())

	layout := Layout{Root: b.cfg.Root}
	if err := layout.SetupDirs(buildID); err != nil {
		return nil, err
	}

	held, err := b.locker.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire builder lock: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			logger.Warn("failed to release builder lock", "error", err)
		}
	}()

	rootfs := newUnmountedRootFs(b.cfg, buildID, logger, b.runner)

	if err := rootfs.Allocate(b.cfg.ImageSize); err != nil {
		return nil, err
	}
	if err := rootfs.Format(); err != nil {
		return nil, err
	}

	mounted, err := rootfs.Mount()
	if err != nil {
		return nil, err
	}

	if err := mounted.MaterializeBase(ctx, source); err != nil {
		return nil, err
	}
	if err := mounted.Customize(ctx, commands); err != nil {
		return nil, err
	}

	initrdPath, err := mounted.ExtractInitramfs()
	if err != nil {
		return nil, err
	}

	kernelPath, err := mounted.ExtractKernel()
	if err != nil {
		return nil, err
	}

	rootfsPath := mounted.RootFsFile()

	if err := mounted.Unmount(); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "image build finished",
		"rootfs", rootfsPath,
		"initrd", initrdPath,
		"kernel", kernelPath,
		"duration", time.Since(start))

	return &Image{
		RootfsPath: rootfsPath,
		InitrdPath: initrdPath,
		KernelPath: kernelPath,
	}, nil
}
