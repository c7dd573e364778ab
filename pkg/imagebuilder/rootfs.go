package imagebuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bdillo/fc-man/pkg/basefs"
)

const (
	mkfsTool   = "mkfs.ext4"
	mountTool  = "mount"
	umountTool = "umount"
)

// toolRunner runs an external tool to completion and returns its combined
// output. A non-zero exit status surfaces as *exec.ExitError.
type toolRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// UnmountedRootFs is a disk image file that is not attached to the shared
// mount dir. Allocate and Format prepare the backing file; Mount consumes
// the handle and yields a MountedRootFs. Splitting the two states into two
// types keeps operations that need a live mount point unreachable until
// Mount has succeeded.
type UnmountedRootFs struct {
	id            string
	workingDir    string
	mountDir      string
	rootfsFile    string
	resolvConf    string
	kernelVariant string
	logger        *slog.Logger
	runner        toolRunner
	consumed      bool
}

// NewUnmountedRootFs creates a fresh rootfs handle for the given build id.
// The backing file does not exist until Allocate is called.
func NewUnmountedRootFs(cfg Config, buildID string, logger *slog.Logger) *UnmountedRootFs {
	return newUnmountedRootFs(cfg, buildID, logger, execRunner{})
}

func newUnmountedRootFs(cfg Config, buildID string, logger *slog.Logger, runner toolRunner) *UnmountedRootFs {
	layout := Layout{Root: cfg.Root}

	return &UnmountedRootFs{
		id:            buildID,
		workingDir:    layout.WorkingDir(buildID),
		mountDir:      layout.MountDir(),
		rootfsFile:    layout.RootFsFile(buildID),
		resolvConf:    cfg.ResolvConf,
		kernelVariant: cfg.KernelVariant,
		logger:        logger,
		runner:        runner,
	}
}

// Allocate creates the backing file and extends it to sizeBytes. The file
// must not exist yet. The allocation is sparse, only written blocks take up
// disk space.
func (u *UnmountedRootFs) Allocate(sizeBytes int64) error {
	if u.consumed {
		return ErrRootFsConsumed
	}

	u.logger.Debug("allocating rootfs file", "file", u.rootfsFile, "size_bytes", sizeBytes)

	f, err := os.OpenFile(u.rootfsFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create rootfs file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("allocate %d bytes for %s: %w", sizeBytes, u.rootfsFile, err)
	}

	return nil
}

// Format writes an ext4 filesystem onto the backing file. Diagnostic output
// from the formatter is logged, the exit status decides success.
func (u *UnmountedRootFs) Format() error {
	if u.consumed {
		return ErrRootFsConsumed
	}

	u.logger.Debug("formatting rootfs", "tool", mkfsTool, "file", u.rootfsFile)

	out, err := u.runner.Run(mkfsTool, "-F", u.rootfsFile)
	if len(out) > 0 {
		u.logger.Debug("mkfs output", "output", string(out))
	}
	if err != nil {
		return fmt.Errorf("format %s: %w", u.rootfsFile, err)
	}

	return nil
}

// Mount attaches the backing file to the shared mount dir. It consumes the
// handle: the returned MountedRootFs is the only way to reach the mounted
// operations, and there is no way back to an UnmountedRootFs.
func (u *UnmountedRootFs) Mount() (*MountedRootFs, error) {
	if u.consumed {
		return nil, ErrRootFsConsumed
	}

	u.logger.Debug("mounting rootfs", "file", u.rootfsFile, "mount_dir", u.mountDir)

	out, err := u.runner.Run(mountTool, "-o", "loop", u.rootfsFile, u.mountDir)
	if len(out) > 0 {
		u.logger.Debug("mount output", "output", string(out))
	}
	if err != nil {
		return nil, fmt.Errorf("mount %s at %s: %w", u.rootfsFile, u.mountDir, err)
	}

	u.consumed = true

	return &MountedRootFs{
		id:            u.id,
		workingDir:    u.workingDir,
		mountDir:      u.mountDir,
		rootfsFile:    u.rootfsFile,
		resolvConf:    u.resolvConf,
		kernelVariant: u.kernelVariant,
		logger:        u.logger,
		runner:        u.runner,
	}, nil
}

// MountedRootFs is a disk image attached to the shared mount dir. All
// operations read or modify the image through the mount point. Unmount
// consumes the handle.
type MountedRootFs struct {
	id            string
	workingDir    string
	mountDir      string
	rootfsFile    string
	resolvConf    string
	kernelVariant string
	logger        *slog.Logger
	runner        toolRunner
	consumed      bool
}

// RootFsFile returns the path of the backing disk image file.
func (m *MountedRootFs) RootFsFile() string {
	return m.rootfsFile
}

// MaterializeBase unpacks the base filesystem into the mounted image and
// copies the host's resolver config into it so that name resolution works
// for the setup commands that follow.
func (m *MountedRootFs) MaterializeBase(ctx context.Context, source basefs.Source) error {
	if m.consumed {
		return ErrRootFsConsumed
	}

	m.logger.Debug("unpacking base filesystem", "source", source.Info(), "mount_dir", m.mountDir)

	if err := source.Unpack(ctx, m.mountDir); err != nil {
		return fmt.Errorf("unpack base filesystem: %w", err)
	}

	mountedResolvConf, err := rebasePath(m.mountDir, m.resolvConf)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(mountedResolvConf), 0o755); err != nil {
		return fmt.Errorf("create resolver config dir: %w", err)
	}

	if err := copyFile(m.resolvConf, mountedResolvConf, 0o644); err != nil {
		return fmt.Errorf("copy resolver config into image: %w", err)
	}

	return nil
}

// ExtractInitramfs copies the base image's initramfs out of /boot into the
// build's working dir and returns the destination path.
func (m *MountedRootFs) ExtractInitramfs() (string, error) {
	if m.consumed {
		return "", ErrRootFsConsumed
	}

	name := "initramfs-" + m.kernelVariant
	src := filepath.Join(m.mountDir, "boot", name)
	dst := filepath.Join(m.workingDir, name)

	if err := copyFile(src, dst, 0o644); err != nil {
		return "", fmt.Errorf("extract initramfs: %w", err)
	}

	m.logger.Debug("initramfs extracted", "path", dst)

	return dst, nil
}

// Unmount detaches the filesystem from the shared mount dir and consumes the
// handle; no further operations are possible on it afterwards. A non-zero
// exit from the unmount tool is logged but not surfaced, which leaves the
// shared mount dir occupied for the next build (known gap).
func (m *MountedRootFs) Unmount() error {
	if m.consumed {
		return ErrRootFsConsumed
	}
	m.consumed = true

	m.logger.Debug("unmounting rootfs", "mount_dir", m.mountDir)

	out, err := m.runner.Run(umountTool, m.mountDir)
	if len(out) > 0 {
		m.logger.Debug("umount output", "output", string(out))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		m.logger.Warn("umount exited non-zero", "mount_dir", m.mountDir, "code", exitErr.ExitCode())
		return nil
	}
	if err != nil {
		return fmt.Errorf("unmount %s: %w", m.mountDir, err)
	}

	return nil
}

// rebasePath joins an absolute host path onto base. Leading separators are
// stripped first so the join appends below base instead of replacing it.
func rebasePath(base, hostPath string) (string, error) {
	rel := strings.TrimLeft(hostPath, string(os.PathSeparator))
	if rel == "" {
		return "", fmt.Errorf("cannot rebase %q under %s", hostPath, base)
	}

	return filepath.Join(base, rel), nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
