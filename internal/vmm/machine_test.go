package vmm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLauncher(t *testing.T) *Launcher {
	t.Helper()
	return NewLauncher("firecracker", t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestValidateSpec(t *testing.T) {
	launcher := testLauncher(t)
	dir := t.TempDir()

	rootfs := touch(t, filepath.Join(dir, "rootfs.ext4"))
	kernel := touch(t, filepath.Join(dir, "vmlinux-virt"))
	initrd := touch(t, filepath.Join(dir, "initramfs-virt"))

	valid := LaunchSpec{
		RootfsPath: rootfs,
		KernelPath: kernel,
		InitrdPath: initrd,
		VCPUs:      1,
		MemSizeMiB: 128,
	}
	if err := launcher.validateSpec(valid); err != nil {
		t.Errorf("expected valid spec, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*LaunchSpec)
	}{
		{"missing rootfs", func(s *LaunchSpec) { s.RootfsPath = filepath.Join(dir, "nope") }},
		{"missing kernel", func(s *LaunchSpec) { s.KernelPath = filepath.Join(dir, "nope") }},
		{"missing initrd", func(s *LaunchSpec) { s.InitrdPath = filepath.Join(dir, "nope") }},
		{"zero vcpus", func(s *LaunchSpec) { s.VCPUs = 0 }},
		{"zero memory", func(s *LaunchSpec) { s.MemSizeMiB = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			if err := launcher.validateSpec(spec); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateSpecOptionalInitrd(t *testing.T) {
	launcher := testLauncher(t)
	dir := t.TempDir()

	spec := LaunchSpec{
		RootfsPath: touch(t, filepath.Join(dir, "rootfs.ext4")),
		KernelPath: touch(t, filepath.Join(dir, "vmlinux-virt")),
		VCPUs:      1,
		MemSizeMiB: 128,
	}

	if err := launcher.validateSpec(spec); err != nil {
		t.Errorf("expected empty initrd to be allowed, got %v", err)
	}
}

func TestWaitForSocket(t *testing.T) {
	launcher := testLauncher(t)
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")

	t.Run("appears", func(t *testing.T) {
		touch(t, socketPath)
		if err := launcher.waitForSocket(context.Background(), socketPath, time.Second); err != nil {
			t.Errorf("expected socket to be found, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		missing := filepath.Join(dir, "missing.sock")
		if err := launcher.waitForSocket(context.Background(), missing, 150*time.Millisecond); err == nil {
			t.Error("expected timeout error, got nil")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		missing := filepath.Join(dir, "missing.sock")
		if err := launcher.waitForSocket(ctx, missing, time.Second); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestStatusStopped(t *testing.T) {
	launcher := testLauncher(t)

	if status := launcher.Status(&Instance{PID: 0}); status != StatusStopped {
		t.Errorf("expected stopped for pid 0, got %s", status)
	}
	if status := launcher.Status(&Instance{PID: -1}); status != StatusStopped {
		t.Errorf("expected stopped for negative pid, got %s", status)
	}
}
