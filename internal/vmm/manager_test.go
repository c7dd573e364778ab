package vmm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestManager(t *testing.T) *Manager {
	t.Helper()

	socketDir := filepath.Join(t.TempDir(), "sockets")
	launcher := NewLauncher("firecracker", socketDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	manager := NewManager(launcher, nil, socketDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("manager did not shut down")
		}
	})

	return manager
}

func TestManagerLaunchInvalidSpec(t *testing.T) {
	manager := startTestManager(t)

	_, err := manager.Launch(context.Background(), LaunchSpec{
		RootfsPath: "/does/not/exist",
		KernelPath: "/does/not/exist",
		VCPUs:      1,
		MemSizeMiB: 128,
	})
	if err == nil {
		t.Fatal("expected launch error for missing artifacts, got nil")
	}

	if instances := manager.Instances(); len(instances) != 0 {
		t.Errorf("expected no instances after failed launch, got %d", len(instances))
	}
}

func TestManagerStopUnknownVM(t *testing.T) {
	manager := startTestManager(t)

	if err := manager.Stop(context.Background(), "no-such-vm"); err == nil {
		t.Fatal("expected error stopping unknown vm, got nil")
	}
}

func TestManagerLaunchAfterShutdown(t *testing.T) {
	socketDir := filepath.Join(t.TempDir(), "sockets")
	launcher := NewLauncher("firecracker", socketDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	manager := NewManager(launcher, nil, socketDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	// manager is not running, Launch must respect the caller's context
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := manager.Launch(ctx, LaunchSpec{}); err != context.DeadlineExceeded {
		t.Errorf("expected deadline error, got %v", err)
	}
}
