package basefs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarStream unpacks an uncompressed tar stream into targetDir. It
// handles OCI whiteout markers so that a registry layer stack can be
// flattened by extracting the layers in order into the same directory.
func extractTarStream(ctx context.Context, r io.Reader, targetDir string) error {
	tarReader := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := extractTarEntry(targetDir, header, tarReader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opaque clears the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// handleWhiteout removes the file or directory indicated by a whiteout marker
func handleWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	if actualName == ".wh..opaque" {
		opaqueDir := filepath.Join(targetDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	deletePath := filepath.Join(targetDir, dir, actualName)
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}

	return nil
}

// extractTarEntry extracts a single tar entry to the target directory
func extractTarEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	// Sanitize path to prevent directory traversal
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if !strings.HasPrefix(targetPath, targetDir) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		// Restore ownership if possible (may require root)
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}

		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}

		if _, err := io.CopyN(file, reader, header.Size); err != nil && err != io.EOF {
			file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	case tar.TypeLink:
		linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
		if !strings.HasPrefix(linkTarget, targetDir) {
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("mkdir parent: %w", err)
			}
			if _, err := os.Create(targetPath); err != nil {
				return fmt.Errorf("create hardlink fallback file: %w", err)
			}
		} else {
			_ = os.Remove(targetPath)
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("create hardlink: %w", err)
			}
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device nodes and pipes are created by the guest on boot
		return nil

	default:
		return nil
	}

	return nil
}
