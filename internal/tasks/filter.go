package tasks

import (
	"path/filepath"
	"strings"

	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Reasons a file is filtered out during discovery.
const (
	RejectNotAudio = "not_audio"
	RejectTooSmall = "too_small"
	RejectTooLarge = "too_large"
)

// FileFilter decides which listed files become work items.
//
// A file is audio when its extension is listed or its MIME type is audio/*. Unknown sizes (0) pass
// the size bounds; MaxSize 0 means unbounded.
type FileFilter struct {
	Extensions map[string]bool
	MinSize    int64
	MaxSize    int64
}

func NewFileFilter(cfg shared.SyncConfig) FileFilter {
	f := FileFilter{Extensions: make(map[string]bool), MinSize: cfg.MinFileSize, MaxSize: cfg.MaxFileSize}
	for _, ext := range cfg.AudioExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.Extensions[ext] = true
	}
	return f
}

// Accept reports whether file should be synced, and why not when it should not.
func (f FileFilter) Accept(file services.RemoteFile) (bool, string) {
	ext := strings.ToLower(filepath.Ext(file.Name))
	mime := strings.ToLower(file.MimeType)
	if !f.Extensions[ext] && !strings.HasPrefix(mime, "audio/") {
		return false, RejectNotAudio
	}
	if file.Size > 0 && f.MinSize > 0 && file.Size < f.MinSize {
		return false, RejectTooSmall
	}
	if f.MaxSize > 0 && file.Size > f.MaxSize {
		return false, RejectTooLarge
	}
	return true, ""
}
