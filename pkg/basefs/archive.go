package basefs

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// ArchiveSource reads a base root filesystem from a local gzip compressed
// tar archive, such as an Alpine minirootfs tarball.
type ArchiveSource struct {
	path string
}

func NewArchiveSource(path string) *ArchiveSource {
	return &ArchiveSource{path: path}
}

func (s *ArchiveSource) Info() string {
	return s.path
}

func (s *ArchiveSource) Unpack(ctx context.Context, dir string) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open base archive: %w", err)
	}
	defer file.Close()

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("decompress gzip: %w", err)
	}
	defer gzipReader.Close()

	if err := extractTarStream(ctx, gzipReader, dir); err != nil {
		return fmt.Errorf("unpack base archive %q: %w", s.path, err)
	}

	return nil
}

// Digest hashes the compressed archive bytes.
func (s *ArchiveSource) Digest(_ context.Context) (digest.Digest, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("open base archive: %w", err)
	}
	defer file.Close()

	dgst, err := digest.FromReader(file)
	if err != nil {
		return "", fmt.Errorf("digest base archive: %w", err)
	}

	return dgst, nil
}
