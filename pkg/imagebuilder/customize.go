package imagebuilder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// Command is one external program invocation executed inside the mounted
// filesystem during customization. Path must be absolute and is resolved
// inside the guest filesystem, not the host's.
type Command struct {
	Path string
	Args []string
}

// Customize runs the given commands, in order, inside the mounted
// filesystem. Each command executes in a freshly spawned child process whose
// root is switched to the mount dir before exec, so the calling process
// never leaves its own root and the later pipeline stages still see the real
// host filesystem. The call blocks until each child has exited.
//
// A command that exits non-zero is logged and the sequence continues; a
// command that cannot be spawned aborts the run.
func (m *MountedRootFs) Customize(ctx context.Context, commands []Command) error {
	if m.consumed {
		return ErrRootFsConsumed
	}

	for _, command := range commands {
		m.logger.Debug("running setup command", "path", command.Path, "args", command.Args)

		cmd := exec.CommandContext(ctx, command.Path, command.Args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: m.mountDir}
		cmd.Dir = "/"

		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			m.logger.Debug("setup command output", "path", command.Path, "output", string(out))
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			m.logger.Warn("setup command exited non-zero",
				"path", command.Path,
				"code", exitErr.ExitCode())
			continue
		}
		if err != nil {
			return fmt.Errorf("run %s in %s: %w", command.Path, m.mountDir, err)
		}
	}

	return nil
}
