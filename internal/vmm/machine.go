// Package vmm launches and tracks Firecracker microVMs built from fc-man
// images. The Launcher starts one firecracker process per VM with a JSON
// config file and an API socket under the socket dir, and the Manager
// serializes launch and stop requests through a single goroutine.
package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// LaunchSpec describes the artifacts and sizing of a VM to launch.
type LaunchSpec struct {
	// ID is the VM identifier. Left empty, the launcher generates one.
	ID         string
	RootfsPath string
	InitrdPath string
	KernelPath string
	VCPUs      int64
	MemSizeMiB int64
	// Network is optional. A nil Network launches the VM without a NIC.
	Network *GuestNetwork
}

// Instance is a running Firecracker VM.
type Instance struct {
	ID         string
	PID        int
	SocketPath string
	Network    *GuestNetwork
	StartedAt  time.Time
}

type Launcher struct {
	binaryPath string
	socketDir  string
	logger     *slog.Logger
}

func NewLauncher(binaryPath, socketDir string, logger *slog.Logger) *Launcher {
	return &Launcher{
		binaryPath: binaryPath,
		socketDir:  socketDir,
		logger:     logger,
	}
}

// Launch starts a Firecracker process for the given spec and waits for its
// API socket to appear before returning.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	vmID := spec.ID
	if vmID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate vm id: %w", err)
		}
		vmID = id.String()
	}

	l.logger.InfoContext(ctx, "starting firecracker vm",
		"id", vmID,
		"vcpus", spec.VCPUs,
		"mem_size_mib", spec.MemSizeMiB)

	if err := l.validateSpec(spec); err != nil {
		return nil, fmt.Errorf("invalid launch spec: %w", err)
	}

	vmDir := filepath.Join(l.socketDir, vmID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return nil, fmt.Errorf("create vm socket directory: %w", err)
	}

	socketPath := filepath.Join(vmDir, "api.sock")
	configPath := filepath.Join(vmDir, "config.json")
	logPath := filepath.Join(vmDir, "firecracker.log")

	cfg := buildMachineConfig(spec, logPath)
	if err := writeMachineConfig(configPath, cfg); err != nil {
		l.cleanup(vmDir)
		return nil, err
	}

	// firecracker refuses to start when the logger target is missing
	logFile, err := os.Create(logPath)
	if err != nil {
		l.cleanup(vmDir)
		return nil, fmt.Errorf("create log file: %w", err)
	}
	logFile.Close()

	cmd := exec.CommandContext(ctx, l.binaryPath,
		"--api-sock", socketPath,
		"--config-file", configPath)

	if err := cmd.Start(); err != nil {
		l.cleanup(vmDir)
		return nil, fmt.Errorf("start firecracker process: %w", err)
	}

	pid := cmd.Process.Pid

	// Reap the process when it exits so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	if err := l.waitForSocket(ctx, socketPath, 5*time.Second); err != nil {
		_ = cmd.Process.Kill()
		l.cleanup(vmDir)
		return nil, fmt.Errorf("firecracker healthcheck failed: %w", err)
	}

	l.logger.InfoContext(ctx, "firecracker vm started",
		"id", vmID,
		"pid", pid,
		"socket", socketPath)

	return &Instance{
		ID:         vmID,
		PID:        pid,
		SocketPath: socketPath,
		Network:    spec.Network,
		StartedAt:  time.Now(),
	}, nil
}

// Stop kills the Firecracker process and removes the VM's socket directory.
func (l *Launcher) Stop(ctx context.Context, instance *Instance) error {
	l.logger.InfoContext(ctx, "stopping firecracker vm", "id", instance.ID)

	if instance.PID > 0 {
		if proc, err := os.FindProcess(instance.PID); err == nil {
			_ = proc.Kill()
			proc.Release()
		}
	}

	vmDir := filepath.Dir(instance.SocketPath)
	if err := l.cleanup(vmDir); err != nil {
		l.logger.WarnContext(ctx, "failed to cleanup socket directory", "error", err)
		return err
	}

	return nil
}

// Status reports whether the VM process is still alive.
func (l *Launcher) Status(instance *Instance) Status {
	if instance.PID <= 0 {
		return StatusStopped
	}

	proc, err := os.FindProcess(instance.PID)
	if err != nil {
		return StatusStopped
	}
	defer proc.Release()

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return StatusStopped
	}

	return StatusRunning
}

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

func (l *Launcher) validateSpec(spec LaunchSpec) error {
	if _, err := os.Stat(spec.RootfsPath); err != nil {
		return fmt.Errorf("rootfs not found at %s: %w", spec.RootfsPath, err)
	}
	if _, err := os.Stat(spec.KernelPath); err != nil {
		return fmt.Errorf("kernel not found at %s: %w", spec.KernelPath, err)
	}
	if spec.InitrdPath != "" {
		if _, err := os.Stat(spec.InitrdPath); err != nil {
			return fmt.Errorf("initrd not found at %s: %w", spec.InitrdPath, err)
		}
	}
	if spec.VCPUs <= 0 {
		return fmt.Errorf("vcpu count must be positive, got %d", spec.VCPUs)
	}
	if spec.MemSizeMiB <= 0 {
		return fmt.Errorf("memory size must be positive, got %d", spec.MemSizeMiB)
	}
	return nil
}

// waitForSocket polls for the socket file to appear within the timeout.
func (l *Launcher) waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("socket did not appear within %v", timeout)
			}
		}
	}
}

func (l *Launcher) cleanup(vmDir string) error {
	return os.RemoveAll(vmDir)
}
