// Package config loads the fc-man configuration file. All values have
// defaults so a missing config file is not an error, and a partial file only
// overrides the sections it mentions.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bdillo/fc-man/pkg/imagebuilder"
)

type Config struct {
	Builder       BuilderConfig   `yaml:"builder"`
	VM            VMConfig        `yaml:"vm"`
	Store         StoreConfig     `yaml:"store"`
	SetupCommands []CommandConfig `yaml:"setup_commands"`
}

type BuilderConfig struct {
	Root          string `yaml:"root"`
	ResolvConf    string `yaml:"resolv_conf"`
	ImageSizeMiB  int64  `yaml:"image_size_mib"`
	KernelVariant string `yaml:"kernel_variant"`
}

type VMConfig struct {
	SocketDir      string `yaml:"socket_dir"`
	FirecrackerBin string `yaml:"firecracker_bin"`
	VCPUs          int64  `yaml:"vcpus"`
	MemSizeMiB     int64  `yaml:"mem_size_mib"`
	BridgeName     string `yaml:"bridge_name"`
	BridgeAddr     string `yaml:"bridge_addr"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// CommandConfig is one command run inside the mounted image during build.
type CommandConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// Default returns the configuration for an Alpine virt guest. The setup
// commands install the kernel package and wire a serial getty on ttyS0 so
// the Firecracker console is usable.
func Default() Config {
	return Config{
		Builder: BuilderConfig{
			Root:          "/var/lib/fc-man/image-builder",
			ResolvConf:    "/etc/resolv.conf",
			ImageSizeMiB:  256,
			KernelVariant: "virt",
		},
		VM: VMConfig{
			SocketDir:      "/run/fc-man",
			FirecrackerBin: "firecracker",
			VCPUs:          1,
			MemSizeMiB:     128,
			BridgeName:     "fcman0",
			BridgeAddr:     "172.30.0.1/24",
		},
		Store: StoreConfig{
			Path: "/var/lib/fc-man/fc-man.db",
		},
		SetupCommands: []CommandConfig{
			{Path: "/sbin/apk", Args: []string{"update"}},
			{Path: "/sbin/apk", Args: []string{"add", "linux-virt", "mkinitfs", "alpine-base", "util-linux", "openrc", "sshd", "sudo"}},
			{Path: "/bin/ln", Args: []string{"-s", "agetty", "/etc/init.d/agetty.ttyS0"}},
			{Path: "/sbin/rc-update", Args: []string{"add", "agetty.ttyS0", "default"}},
			{Path: "/bin/sh", Args: []string{"-c", "echo ttyS0 >> /etc/securetty"}},
		},
	}
}

// Load reads the config file at path, overlaying it onto the defaults. A
// missing file returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %q: %w", path, err)
	}

	return cfg, nil
}

// ImageBuilder converts the builder section to the image builder's config.
func (c Config) ImageBuilder() imagebuilder.Config {
	return imagebuilder.Config{
		Root:          c.Builder.Root,
		ResolvConf:    c.Builder.ResolvConf,
		ImageSize:     c.Builder.ImageSizeMiB * 1024 * 1024,
		KernelVariant: c.Builder.KernelVariant,
	}
}

// Commands converts the setup command list for the image builder.
func (c Config) Commands() []imagebuilder.Command {
	commands := make([]imagebuilder.Command, len(c.SetupCommands))
	for i, cc := range c.SetupCommands {
		commands[i] = imagebuilder.Command{Path: cc.Path, Args: cc.Args}
	}
	return commands
}
