package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdillo/fc-man/internal/config"
	"github.com/bdillo/fc-man/internal/store"
	"github.com/bdillo/fc-man/internal/vmm"
	"github.com/bdillo/fc-man/pkg/basefs"
	"github.com/bdillo/fc-man/pkg/imagebuilder"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		configPath string
	)

	root := &cobra.Command{
		Use:           "fc-man",
		Short:         "Build bootable disk images and run them as Firecracker microVMs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/fc-man/fc-man.yaml", "Path to the config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger, &configPath),
		newImagesCommand(logger, &configPath),
		newRunCommand(logger, &configPath),
		newNetworkCommand(logger, &configPath),
	)
	return root
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

func newBuildCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var (
		baseArchive string
		baseImage   string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build rootfs, initrd and kernel artifacts from a base filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			source, err := resolveSource(baseArchive, baseImage)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			digest, err := source.Digest(ctx)
			if err != nil {
				return fmt.Errorf("digest base source: %w", err)
			}

			db, err := store.Open(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			if cached, err := db.FindImageByDigest(ctx, digest.String()); err == nil {
				logger.Info("image already built from this base",
					"image_id", cached.ID,
					"digest", cached.Digest)
				fmt.Println(cached.ID)
				return nil
			} else if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("look up cached image: %w", err)
			}

			builder := imagebuilder.NewBuilder(cfg.ImageBuilder(), logger.With("component", "imagebuilder"))

			image, err := builder.BuildImage(ctx, source, cfg.Commands())
			if err != nil {
				return err
			}

			record := &store.ImageRecord{
				ID:         imageIDFromPath(image.RootfsPath),
				Digest:     digest.String(),
				Source:     source.Info(),
				RootfsPath: image.RootfsPath,
				InitrdPath: image.InitrdPath,
				KernelPath: image.KernelPath,
			}
			if err := db.InsertImage(ctx, record); err != nil {
				return err
			}

			fmt.Println(record.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseArchive, "base-archive", "", "Path to a base filesystem tar.gz archive")
	cmd.Flags().StringVar(&baseImage, "base-image", "", "OCI image reference to use as base filesystem")

	return cmd
}

func resolveSource(baseArchive, baseImage string) (basefs.Source, error) {
	switch {
	case baseArchive != "" && baseImage != "":
		return nil, fmt.Errorf("--base-archive and --base-image are mutually exclusive")
	case baseArchive != "":
		return basefs.NewArchiveSource(baseArchive), nil
	case baseImage != "":
		return basefs.NewRegistrySource(baseImage)
	default:
		return nil, fmt.Errorf("one of --base-archive or --base-image is required")
	}
}

// imageIDFromPath recovers the build id from an artifact path. Artifacts
// live in a working dir named after the build id.
func imageIDFromPath(rootfsPath string) string {
	return filepath.Base(filepath.Dir(rootfsPath))
}

func newImagesCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List built images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			db, err := store.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.ListImages(cmd.Context())
			if err != nil {
				return err
			}

			for _, record := range records {
				fmt.Printf("%s\t%s\t%s\t%s\n",
					record.ID,
					record.CreatedAt.Format(time.RFC3339),
					record.Digest,
					record.Source)
			}
			return nil
		},
	}
}

func newRunCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var withNetwork bool

	cmd := &cobra.Command{
		Use:   "run <image-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Launch a Firecracker VM from a built image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			db, err := store.Open(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			image, err := db.GetImage(ctx, args[0])
			if err != nil {
				return fmt.Errorf("look up image %s: %w", args[0], err)
			}

			var network *vmm.NetworkManager
			if withNetwork {
				network, err = vmm.NewNetworkManager(cfg.VM.BridgeName, cfg.VM.BridgeAddr)
				if err != nil {
					return err
				}
				if err := network.Setup(); err != nil {
					return fmt.Errorf("setup guest networking: %w", err)
				}
			}

			launcher := vmm.NewLauncher(cfg.VM.FirecrackerBin, cfg.VM.SocketDir,
				logger.With("component", "launcher"))
			manager := vmm.NewManager(launcher, network, cfg.VM.SocketDir,
				logger.With("component", "vmm"))

			managerCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- manager.Run(managerCtx) }()

			instance, err := manager.Launch(ctx, vmm.LaunchSpec{
				RootfsPath: image.RootfsPath,
				InitrdPath: image.InitrdPath,
				KernelPath: image.KernelPath,
				VCPUs:      cfg.VM.VCPUs,
				MemSizeMiB: cfg.VM.MemSizeMiB,
			})
			if err != nil {
				return err
			}

			record := &store.VMRecord{
				ID:         instance.ID,
				ImageID:    image.ID,
				Pid:        instance.PID,
				SocketPath: instance.SocketPath,
			}
			if err := db.InsertVM(ctx, record); err != nil {
				logger.Warn("failed to record vm", "error", err)
			}

			logger.Info("vm running", "id", instance.ID, "pid", instance.PID)

			// stream the console log while the VM runs
			logPath := filepath.Join(filepath.Dir(instance.SocketPath), "firecracker.log")
			go func() {
				if err := vmm.TailConsole(managerCtx, logPath, os.Stdout); err != nil {
					logger.Warn("console tail stopped", "error", err)
				}
			}()

			// block until interrupted, then let the manager tear down
			<-ctx.Done()
			cancel()
			<-done

			if err := db.DeleteVM(context.Background(), instance.ID); err != nil {
				logger.Warn("failed to remove vm record", "error", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&withNetwork, "net", false, "Attach the VM to the fc-man bridge with NAT")

	return cmd
}

func newNetworkCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Manage the host side of guest networking",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "setup",
			Short: "Create the bridge and NAT rules (requires root)",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}

				network, err := vmm.NewNetworkManager(cfg.VM.BridgeName, cfg.VM.BridgeAddr)
				if err != nil {
					return err
				}
				if err := network.Setup(); err != nil {
					return err
				}

				logger.Info("guest networking ready",
					"bridge", cfg.VM.BridgeName,
					"addr", cfg.VM.BridgeAddr)
				return nil
			},
		},
		&cobra.Command{
			Use:   "teardown",
			Short: "Remove the bridge and NAT rules (requires root)",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}

				network, err := vmm.NewNetworkManager(cfg.VM.BridgeName, cfg.VM.BridgeAddr)
				if err != nil {
					return err
				}
				return network.Teardown()
			},
		},
	)

	return cmd
}
