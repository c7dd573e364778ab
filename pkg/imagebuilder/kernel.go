package imagebuilder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const gzipScanChunkSize = 1024

// gzipMemberMagic is the gzip magic number followed by the deflate
// compression method byte. All three bytes must match; the two magic bytes
// alone are not enough.
var gzipMemberMagic = []byte{0x1f, 0x8b, 0x08}

// locateGzipStream returns the offset of the first gzip member in r. The
// input is scanned in fixed-size chunks; reads are overlapped by two carried
// tail bytes so a signature crossing a chunk boundary is still found.
// Returns ErrMissingGzipHeader when the input ends without a match.
func locateGzipStream(r io.Reader) (int64, error) {
	var (
		scanned int64 // bytes consumed from r before the current chunk
		tail    []byte
		buf     = make([]byte, gzipScanChunkSize)
	)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			window := make([]byte, 0, len(tail)+n)
			window = append(window, tail...)
			window = append(window, buf[:n]...)

			if i := bytes.Index(window, gzipMemberMagic); i >= 0 {
				return scanned - int64(len(tail)) + int64(i), nil
			}

			scanned += int64(n)

			keep := len(gzipMemberMagic) - 1
			if len(window) < keep {
				keep = len(window)
			}
			tail = append(tail[:0], window[len(window)-keep:]...)
		}

		if err == io.EOF {
			return 0, ErrMissingGzipHeader
		}
		if err != nil {
			return 0, fmt.Errorf("scan for gzip stream: %w", err)
		}
	}
}

// ExtractKernel locates the compressed kernel payload embedded in the base
// image's boot kernel file, decompresses it into the build's working dir and
// returns the destination path. The payload sits behind a loader stub of
// unknown size, so its start is found by content, not by a fixed offset.
func (m *MountedRootFs) ExtractKernel() (string, error) {
	if m.consumed {
		return "", ErrRootFsConsumed
	}

	src := filepath.Join(m.mountDir, "boot", "vmlinuz-"+m.kernelVariant)

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open boot kernel: %w", err)
	}
	defer f.Close()

	offset, err := locateGzipStream(f)
	if err != nil {
		return "", fmt.Errorf("locate compressed kernel in %s: %w", src, err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to kernel stream at %d: %w", offset, err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("read kernel stream at %d: %w", offset, err)
	}
	defer gz.Close()
	// The kernel stream is usually followed by trailing loader data, which
	// must not be parsed as another gzip member.
	gz.Multistream(false)

	dst := filepath.Join(m.workingDir, "vmlinux-"+m.kernelVariant)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", fmt.Errorf("create kernel file: %w", err)
	}

	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return "", fmt.Errorf("decompress kernel: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("finalize kernel file: %w", err)
	}

	m.logger.Debug("kernel extracted", "offset", offset, "path", dst)

	return dst, nil
}
