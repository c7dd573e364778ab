package basefs

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistrySource fetches a base root filesystem from an OCI registry and
// flattens the image's layers into a single tree. Layer content is not
// downloaded until Unpack runs.
type RegistrySource struct {
	imageRef name.Reference

	mu  sync.Mutex
	img v1.Image
}

// NewRegistrySource creates a source for the given image reference.
// ref can be:
//   - "alpine:3.20" (defaults to docker.io/library)
//   - "docker.io/alpine:3.20"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistrySource(imageRef string) (*RegistrySource, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// If first component has no dots or colons, prepend docker.io
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	return &RegistrySource{imageRef: ref}, nil
}

func (s *RegistrySource) Info() string {
	return s.imageRef.String()
}

// fetch downloads the image manifest once and caches it. Layer content is
// still pulled lazily by the go-containerregistry layer objects.
func (s *RegistrySource) fetch(ctx context.Context) (v1.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.img != nil {
		return s.img, nil
	}

	platform, err := v1.ParsePlatform(fmt.Sprintf("linux/%s", runtime.GOARCH))
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(s.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image %q: %w", s.imageRef, err)
	}

	s.img = img
	return img, nil
}

func (s *RegistrySource) Unpack(ctx context.Context, dir string) error {
	img, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}

	for i, layer := range layers {
		if err := s.extractLayer(ctx, layer, dir); err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}
	}

	return nil
}

func (s *RegistrySource) extractLayer(ctx context.Context, layer v1.Layer, dir string) error {
	reader, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("get layer content: %w", err)
	}
	defer reader.Close()

	return extractTarStream(ctx, reader, dir)
}

func (s *RegistrySource) Digest(ctx context.Context) (digest.Digest, error) {
	img, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	dgst, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("get image digest: %w", err)
	}

	return digest.Digest(dgst.String()), nil
}
