package imagebuilder

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// writeBaseArchive builds a minimal base filesystem tarball with an etc
// tree plus the given boot files.
func writeBaseArchive(t *testing.T, boot map[string][]byte) string {
	t.Helper()

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	writeDir := func(name string) {
		if err := tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeDir,
			Mode:     0o755,
		}); err != nil {
			t.Fatalf("write tar dir %s: %v", name, err)
		}
	}
	writeFile := func(name string, content []byte) {
		if err := tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}); err != nil {
			t.Fatalf("write tar header %s: %v", name, err)
		}
		if _, err := tarWriter.Write(content); err != nil {
			t.Fatalf("write tar content %s: %v", name, err)
		}
	}

	writeDir("etc/")
	writeFile("etc/hostname", []byte("alpine\n"))

	if len(boot) > 0 {
		writeDir("boot/")
		for name, content := range boot {
			writeFile("boot/"+name, content)
		}
	}

	if err := tarWriter.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gzipWriter.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "base.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	return path
}

func newTestBuilder(t *testing.T, cfg Config) *Builder {
	t.Helper()

	builder := NewBuilder(cfg, testLogger())
	builder.runner = &fakeRunner{}
	return builder
}

func TestBuildImageFromBase(t *testing.T) {
	cfg := testConfig(t)

	resolvConf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(resolvConf, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	cfg.ResolvConf = resolvConf

	kernelPayload := []byte("the decompressed kernel")
	bootKernel := append(repeat(0x5A, 2000), gzipBytes(t, kernelPayload)...)
	initramfs := []byte("initramfs archive bytes")

	archive := writeBaseArchive(t, map[string][]byte{
		"vmlinuz-virt":   bootKernel,
		"initramfs-virt": initramfs,
	})

	builder := newTestBuilder(t, cfg)

	image, err := builder.BuildImageFromBase(context.Background(), archive, nil)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}

	rootfsInfo, err := os.Stat(image.RootfsPath)
	if err != nil {
		t.Fatalf("stat rootfs: %v", err)
	}
	if rootfsInfo.Size() != cfg.ImageSize {
		t.Errorf("expected rootfs size %d, got %d", cfg.ImageSize, rootfsInfo.Size())
	}

	gotInitrd, err := os.ReadFile(image.InitrdPath)
	if err != nil {
		t.Fatalf("read initrd: %v", err)
	}
	if !bytes.Equal(gotInitrd, initramfs) {
		t.Error("initrd differs from the base image's initramfs")
	}

	gotKernel, err := os.ReadFile(image.KernelPath)
	if err != nil {
		t.Fatalf("read kernel: %v", err)
	}
	if !bytes.Equal(gotKernel, kernelPayload) {
		t.Error("kernel differs from the embedded payload")
	}

	// all three artifacts live in the same per-build working dir
	if filepath.Dir(image.RootfsPath) != filepath.Dir(image.KernelPath) ||
		filepath.Dir(image.RootfsPath) != filepath.Dir(image.InitrdPath) {
		t.Errorf("expected artifacts in one working dir, got %+v", image)
	}
}

func TestBuildImageRunsToolsInOrder(t *testing.T) {
	cfg := testConfig(t)

	resolvConf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(resolvConf, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	cfg.ResolvConf = resolvConf

	archive := writeBaseArchive(t, map[string][]byte{
		"vmlinuz-virt":   gzipBytes(t, []byte("kernel")),
		"initramfs-virt": []byte("initramfs"),
	})

	runner := &fakeRunner{}
	builder := NewBuilder(cfg, testLogger())
	builder.runner = runner

	if _, err := builder.BuildImageFromBase(context.Background(), archive, nil); err != nil {
		t.Fatalf("build image: %v", err)
	}

	if len(runner.calls) != 3 {
		t.Fatalf("expected mkfs, mount and umount, got %v", runner.calls)
	}
	if runner.calls[0][0] != "mkfs.ext4" || runner.calls[1][0] != "mount" || runner.calls[2][0] != "umount" {
		t.Errorf("unexpected tool order %v", runner.calls)
	}
}

func TestBuildImageMissingBootAssets(t *testing.T) {
	cfg := testConfig(t)

	resolvConf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(resolvConf, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	cfg.ResolvConf = resolvConf

	archive := writeBaseArchive(t, nil)
	builder := newTestBuilder(t, cfg)

	if _, err := builder.BuildImageFromBase(context.Background(), archive, nil); err == nil {
		t.Fatal("expected error for base image without boot assets, got nil")
	}
}

func TestBuildImageSerialized(t *testing.T) {
	cfg := testConfig(t)

	resolvConf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(resolvConf, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	cfg.ResolvConf = resolvConf

	archive := writeBaseArchive(t, map[string][]byte{
		"vmlinuz-virt":   gzipBytes(t, []byte("kernel")),
		"initramfs-virt": []byte("initramfs"),
	})

	runner := &fakeRunner{}
	builder := NewBuilder(cfg, testLogger())
	builder.runner = runner

	// concurrent builds share one mount dir and must not interleave
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = builder.BuildImageFromBase(context.Background(), archive, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("build %d failed: %v", i, err)
		}
	}

	// every build holds the mount dir for its whole mkfs/mount/umount
	// span, so the recorded tool calls form uninterrupted triplets
	tools := runner.tools()
	if len(tools) != 3*len(errs) {
		t.Fatalf("expected %d tool calls, got %v", 3*len(errs), tools)
	}
	for i := 0; i < len(tools); i += 3 {
		if tools[i] != "mkfs.ext4" || tools[i+1] != "mount" || tools[i+2] != "umount" {
			t.Fatalf("builds interleaved on the shared mount dir: %v", tools)
		}
	}
}
