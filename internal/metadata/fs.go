package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FileSystem hands out scoped temporary directories.
type FileSystem interface {
	Scope(prefix string) (Scope, error)
}

// Scope is a temporary directory removed by Cleanup. Cleanup is safe to call more than once.
type Scope interface {
	Dir() string
	WriteFile(name string, data []byte) (string, error)
	Cleanup() error
}

// TempFS creates scopes on a billy filesystem. Paths it returns are joined with the filesystem root,
// so an osfs-backed TempFS yields paths other packages can open directly.
type TempFS struct {
	fs billy.Filesystem
}

// NewTempFS returns a TempFS rooted at root on the OS filesystem, or at the system temp directory when root is empty.
func NewTempFS(root string) (*TempFS, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	return &TempFS{fs: osfs.New(root)}, nil
}

// NewTempFSOn wraps an existing billy filesystem, e.g. memfs in tests.
func NewTempFSOn(fs billy.Filesystem) *TempFS {
	return &TempFS{fs: fs}
}

func (t *TempFS) Scope(prefix string) (Scope, error) {
	dir, err := util.TempDir(t.fs, "scans", "tapedeck-"+SanitizeName(prefix)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &tempScope{fs: t.fs, dir: dir}, nil
}

type tempScope struct {
	fs      billy.Filesystem
	dir     string
	cleaned bool
}

func (s *tempScope) Dir() string {
	return filepath.Join(s.fs.Root(), s.dir)
}

// WriteFile writes data to name inside the scope and returns the full path.
func (s *tempScope) WriteFile(name string, data []byte) (string, error) {
	if s.cleaned {
		return "", errors.New("scope already cleaned up")
	}
	rel := s.fs.Join(s.dir, SanitizeName(name))
	if err := util.WriteFile(s.fs, rel, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return filepath.Join(s.fs.Root(), rel), nil
}

func (s *tempScope) Cleanup() error {
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	if err := util.RemoveAll(s.fs, s.dir); err != nil {
		return fmt.Errorf("failed to remove temp dir: %w", err)
	}
	return nil
}

// SanitizeName reduces name to a single safe path element.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}
	return name
}
