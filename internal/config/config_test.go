package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := Default()
	if cfg.Builder != want.Builder {
		t.Errorf("expected default builder config %+v, got %+v", want.Builder, cfg.Builder)
	}
	if len(cfg.SetupCommands) != len(want.SetupCommands) {
		t.Errorf("expected %d setup commands, got %d", len(want.SetupCommands), len(cfg.SetupCommands))
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fc-man.yaml")
	content := `
builder:
  root: /tmp/builds
  image_size_mib: 512
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Builder.Root != "/tmp/builds" {
		t.Errorf("expected overridden root, got %q", cfg.Builder.Root)
	}
	if cfg.Builder.ImageSizeMiB != 512 {
		t.Errorf("expected overridden image size, got %d", cfg.Builder.ImageSizeMiB)
	}
	if cfg.Builder.KernelVariant != "virt" {
		t.Errorf("expected default kernel variant, got %q", cfg.Builder.KernelVariant)
	}
	if cfg.VM.SocketDir != "/run/fc-man" {
		t.Errorf("expected default socket dir, got %q", cfg.VM.SocketDir)
	}
}

func TestLoadInvalidYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fc-man.yaml")
	if err := os.WriteFile(path, []byte("builder: [not: a: mapping"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoadSetupCommandsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fc-man.yaml")
	content := `
setup_commands:
  - path: /bin/true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	commands := cfg.Commands()
	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	if commands[0].Path != "/bin/true" {
		t.Errorf("expected /bin/true, got %q", commands[0].Path)
	}
}

func TestImageBuilderConversion(t *testing.T) {
	cfg := Default()
	builderCfg := cfg.ImageBuilder()

	if builderCfg.ImageSize != 256*1024*1024 {
		t.Errorf("expected 256 MiB in bytes, got %d", builderCfg.ImageSize)
	}
	if builderCfg.KernelVariant != "virt" {
		t.Errorf("expected virt variant, got %q", builderCfg.KernelVariant)
	}
}
