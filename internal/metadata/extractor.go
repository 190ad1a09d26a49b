package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// Extracted is the metadata read from one audio file. Zero values mean unknown.
type Extracted struct {
	Title       string
	Artist      string
	Album       string
	Year        int
	TrackNumber int
	DiscNumber  int
	Duration    time.Duration
	Bitrate     int // kbps
	Format      string
	Artwork     *Artwork
}

// Artwork is an embedded cover image.
type Artwork struct {
	MIMEType string
	Data     []byte
}

// Ext returns the file extension for the image type, defaulting to ".jpg".
func (a *Artwork) Ext() string {
	switch strings.ToLower(a.MIMEType) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// Extractor reads tags and stream properties from a local audio file.
type Extractor interface {
	ExtractFromFile(ctx context.Context, path string) (*Extracted, error)
}

// TagExtractor reads ID3, MP4, FLAC and Ogg tags with github.com/dhowden/tag and probes
// MP3 frame and FLAC STREAMINFO headers for duration and bitrate.
//
// Files without tags, including header-only downloads whose tags sit at the end of the file,
// fall back to an "Artist - Title" reading of the file name.
type TagExtractor struct{}

func NewTagExtractor() *TagExtractor {
	return &TagExtractor{}
}

func (e *TagExtractor) ExtractFromFile(ctx context.Context, path string) (*Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrExtraction, err)
	}
	defer f.Close()

	out := &Extracted{}
	m, err := tag.ReadFrom(f)
	switch {
	case err == nil:
		fillFromTags(out, m)
	case errors.Is(err, tag.ErrNoTagsFound), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		// untagged or truncated; use the name
	default:
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrExtraction, filepath.Base(path), err)
	}

	props, err := probeAudio(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrExtraction, filepath.Base(path), err)
	}
	out.Duration = props.Duration
	out.Bitrate = props.Bitrate

	if out.Title == "" {
		artist, title := ParseFileName(filepath.Base(path))
		out.Title = title
		if out.Artist == "" {
			out.Artist = artist
		}
	}
	return out, nil
}

func fillFromTags(out *Extracted, m tag.Metadata) {
	out.Title = strings.TrimSpace(m.Title())
	out.Artist = strings.TrimSpace(m.Artist())
	if out.Artist == "" {
		out.Artist = strings.TrimSpace(m.AlbumArtist())
	}
	out.Album = strings.TrimSpace(m.Album())
	out.Year = m.Year()
	out.TrackNumber, _ = m.Track()
	out.DiscNumber, _ = m.Disc()
	out.Format = string(m.FileType())

	if pic := m.Picture(); pic != nil && len(pic.Data) > 0 {
		mime := pic.MIMEType
		if mime == "" && pic.Ext != "" {
			mime = "image/" + strings.TrimPrefix(strings.ToLower(pic.Ext), ".")
		}
		out.Artwork = &Artwork{MIMEType: mime, Data: pic.Data}
	}
}

// ParseFileName splits "Artist - Title.ext" into its parts. Leading track numbers
// ("01 - Title", "01. Title") are dropped. Without a separator the stem is the title.
func ParseFileName(name string) (artist, title string) {
	stem := shared.FileStem(name)
	parts := strings.Split(stem, " - ")

	for len(parts) > 1 && isTrackNumber(parts[0]) {
		parts = parts[1:]
	}
	if len(parts) == 1 {
		return "", stripTrackPrefix(strings.TrimSpace(parts[0]))
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(strings.Join(parts[1:], " - "))
}

func isTrackNumber(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripTrackPrefix(s string) string {
	i := 0
	for i < len(s) && i < 3 && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(s) && s[i] == '.' && s[i+1] == ' ' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
