package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// ArtworkStore persists cover images and returns where they were written.
type ArtworkStore interface {
	Save(ctx context.Context, key string, art *Artwork) (string, error)
}

// DirArtworkStore writes images into a directory, named by key and a digest of the content
// so identical covers are written once.
type DirArtworkStore struct {
	fs billy.Filesystem
}

func NewDirArtworkStore(dir string) *DirArtworkStore {
	return &DirArtworkStore{fs: osfs.New(dir)}
}

func NewArtworkStoreOn(fs billy.Filesystem) *DirArtworkStore {
	return &DirArtworkStore{fs: fs}
}

func (s *DirArtworkStore) Save(ctx context.Context, key string, art *Artwork) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if art == nil || len(art.Data) == 0 {
		return "", nil
	}

	sum := sha256.Sum256(art.Data)
	name := SanitizeName(key) + "-" + hex.EncodeToString(sum[:6]) + art.Ext()
	path := filepath.Join(s.fs.Root(), name)

	if _, err := s.fs.Stat(name); err == nil {
		return path, nil
	}
	if err := util.WriteFile(s.fs, name, art.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artwork: %w", err)
	}
	return path, nil
}
