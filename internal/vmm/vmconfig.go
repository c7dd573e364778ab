package vmm

import (
	"encoding/json"
	"fmt"
	"os"
)

// machineConfig is the JSON document passed to firecracker --config-file.
// Field names follow the Firecracker configuration format.
type machineConfig struct {
	Logger            *loggerSpec            `json:"logger,omitempty"`
	BootSource        bootSourceSpec         `json:"boot-source"`
	Drives            []driveSpec            `json:"drives"`
	MachineConfig     machineSpec            `json:"machine-config"`
	NetworkInterfaces []networkInterfaceSpec `json:"network-interfaces,omitempty"`
}

type loggerSpec struct {
	LogPath       string `json:"log_path"`
	Level         string `json:"level"`
	ShowLevel     bool   `json:"show_level"`
	ShowLogOrigin bool   `json:"show_log_origin"`
}

type bootSourceSpec struct {
	KernelImagePath string `json:"kernel_image_path"`
	InitrdPath      string `json:"initrd_path,omitempty"`
	BootArgs        string `json:"boot_args"`
}

type driveSpec struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineSpec struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
}

type networkInterfaceSpec struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// buildMachineConfig assembles the Firecracker config for one VM. The rootfs
// is attached read-write as the root device and the serial console goes to
// ttyS0 so the agetty configured during image build is reachable.
func buildMachineConfig(spec LaunchSpec, logPath string) machineConfig {
	cfg := machineConfig{
		Logger: &loggerSpec{
			LogPath:       logPath,
			Level:         "Info",
			ShowLevel:     true,
			ShowLogOrigin: false,
		},
		BootSource: bootSourceSpec{
			KernelImagePath: spec.KernelPath,
			InitrdPath:      spec.InitrdPath,
			BootArgs:        defaultBootArgs,
		},
		Drives: []driveSpec{
			{
				DriveID:      "rootfs",
				PathOnHost:   spec.RootfsPath,
				IsRootDevice: true,
				IsReadOnly:   false,
			},
		},
		MachineConfig: machineSpec{
			VCPUCount:  spec.VCPUs,
			MemSizeMiB: spec.MemSizeMiB,
		},
	}

	if spec.Network != nil {
		cfg.BootSource.BootArgs = fmt.Sprintf("%s ip=%s::%s:%s::eth0:off",
			defaultBootArgs, spec.Network.IPAddress, spec.Network.Gateway, spec.Network.Netmask)
		cfg.NetworkInterfaces = []networkInterfaceSpec{
			{
				IfaceID:     "eth0",
				GuestMAC:    spec.Network.MACAddress,
				HostDevName: spec.Network.TAPDevice,
			},
		}
	}

	return cfg
}

func writeMachineConfig(path string, cfg machineConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
