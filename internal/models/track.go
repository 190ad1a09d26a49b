package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// DeletionMarkerPrefix starts the provider_file_id of every soft-deleted track.
const DeletionMarkerPrefix = "deleted:"

// Deletion reasons recorded with soft-deleted tracks.
const (
	DeletionReasonRemoved   = "removed"   // file vanished from the provider
	DeletionReasonDuplicate = "duplicate" // lost deduplication to another copy
)

// Track is one audio file in the library.
type Track struct {
	ID             string
	ProfileID      string
	ProviderID     string
	ProviderFileID string
	FileName       string
	Title          string
	ArtistID       string
	AlbumID        string
	TrackNumber    int
	DiscNumber     int
	Duration       time.Duration
	Bitrate        int // kbps
	FileSize       int64
	MimeType       string
	ContentHash    string
	ArtworkPath    string

	RemoteModifiedAt time.Time

	// Per field-group modification times, compared by metadata merges.
	MetadataModifiedAt time.Time
	ArtworkModifiedAt  time.Time
	FileModifiedAt     time.Time

	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
	DeletedReason string
}

// Validate checks required identity fields.
func (t *Track) Validate() error {
	if t.ProviderID == "" {
		return fmt.Errorf("%w: track provider is required", shared.ErrInvalidInput)
	}
	if t.ProviderFileID == "" {
		return fmt.Errorf("%w: track provider file id is required", shared.ErrInvalidInput)
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: track title is required", shared.ErrInvalidInput)
	}
	return nil
}

// IsDeleted reports whether the track has been soft-deleted.
func (t *Track) IsDeleted() bool {
	return t.DeletedAt != nil
}

// ModifiedAt is the timestamp used to rank copies of the same file: the
// provider's modification time when known, otherwise the last local update.
func (t *Track) ModifiedAt() time.Time {
	if !t.RemoteModifiedAt.IsZero() {
		return t.RemoteModifiedAt
	}
	return t.UpdatedAt
}

// OriginalFileID returns the provider file id, unwrapping a deletion marker if present.
func (t *Track) OriginalFileID() string {
	if orig, _, ok := ParseDeletionMarker(t.ProviderFileID); ok {
		return orig
	}
	return t.ProviderFileID
}

// DeletionMarker builds the reversible marker written over a soft-deleted track's provider file id.
func DeletionMarker(fileID string, at time.Time) string {
	return fmt.Sprintf("%s%d:%s", DeletionMarkerPrefix, at.UnixNano(), fileID)
}

// ParseDeletionMarker splits a marker built by [DeletionMarker].
func ParseDeletionMarker(marker string) (fileID string, at time.Time, ok bool) {
	rest, found := strings.CutPrefix(marker, DeletionMarkerPrefix)
	if !found {
		return "", time.Time{}, false
	}
	stamp, fileID, found := strings.Cut(rest, ":")
	if !found || fileID == "" {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return fileID, time.Unix(0, nanos), true
}

// Artist is resolved by its normalized name.
type Artist struct {
	ID             string
	Name           string
	NormalizedName string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Album is unique per (normalized title, artist).
type Album struct {
	ID              string
	Title           string
	NormalizedTitle string
	ArtistID        string
	Year            int
	ArtworkPath     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Profile is an authenticated account on a storage provider.
type Profile struct {
	ID          string
	ProviderID  string
	Account     string
	DisplayName string
	Token       []byte // provider token, JSON encoded
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p *Profile) Validate() error {
	if p.ProviderID == "" || p.Account == "" {
		return fmt.Errorf("%w: profile provider and account are required", shared.ErrInvalidInput)
	}
	return nil
}
