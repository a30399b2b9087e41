package docker

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// RemoteImageDigest resolves the digest an image reference currently points
// at in its registry, without pulling anything.
func RemoteImageDigest(ctx context.Context, refStr string) (string, error) {
	ref, err := name.ParseReference(refStr)
	if err != nil {
		return "", fmt.Errorf("parse image reference %s: %w", refStr, err)
	}
	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("registry head %s: %w", refStr, err)
	}
	return desc.Digest.String(), nil
}
