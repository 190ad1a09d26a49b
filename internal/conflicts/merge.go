package conflicts

import (
	"time"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Field groups compared by [MergeMetadata].
const (
	GroupMetadata = "metadata" // title, artist, album, track and disc numbers, duration
	GroupArtwork  = "artwork"
	GroupFile     = "file" // size, bitrate, mime type, content hash, remote modification time
)

// MergeResult is the outcome of reconciling two versions of a track.
type MergeResult struct {
	Track   models.Track
	Changed []string // field groups taken from the remote version

	// KeepBoth is set under [models.KeepBoth]: Track is the local version and the caller keeps the remote one separately.
	KeepBoth bool
	// Conflicts lists differing groups left for a decision under [models.UserPrompt].
	Conflicts []string
}

// NeedsPrompt reports whether a user decision is pending.
func (r MergeResult) NeedsPrompt() bool {
	return len(r.Conflicts) > 0
}

// MergeMetadata reconciles local with remote field group by field group.
//
// Under [models.KeepNewest] each group is taken from whichever side modified it last; zero-valued
// local fields are always filled from remote. Identity, timestamps of creation and deletion state stay local.
func MergeMetadata(local, remote *models.Track, policy models.ConflictPolicy) (MergeResult, error) {
	merged := *local

	switch policy {
	case models.KeepBoth:
		return MergeResult{Track: merged, KeepBoth: true}, nil
	case models.UserPrompt:
		var conflicts []string
		for _, g := range []string{GroupMetadata, GroupArtwork, GroupFile} {
			if groupDiffers(g, local, remote) {
				conflicts = append(conflicts, g)
			}
		}
		fillMissing(&merged, remote)
		return MergeResult{Track: merged, Conflicts: conflicts}, nil
	case models.KeepNewest:
	default:
		return MergeResult{}, shared.ErrUnsupportedPolicy
	}

	var changed []string
	if newer(remote.MetadataModifiedAt, local.MetadataModifiedAt) && groupDiffers(GroupMetadata, local, remote) {
		copyMetadata(&merged, remote)
		changed = append(changed, GroupMetadata)
	}
	if newer(remote.ArtworkModifiedAt, local.ArtworkModifiedAt) && groupDiffers(GroupArtwork, local, remote) {
		merged.ArtworkPath = remote.ArtworkPath
		merged.ArtworkModifiedAt = remote.ArtworkModifiedAt
		changed = append(changed, GroupArtwork)
	}
	if newer(remote.FileModifiedAt, local.FileModifiedAt) && groupDiffers(GroupFile, local, remote) {
		copyFile(&merged, remote)
		changed = append(changed, GroupFile)
	}
	fillMissing(&merged, remote)

	return MergeResult{Track: merged, Changed: changed}, nil
}

func newer(a, b time.Time) bool {
	return a.After(b)
}

func groupDiffers(group string, a, b *models.Track) bool {
	switch group {
	case GroupMetadata:
		return a.Title != b.Title || a.ArtistID != b.ArtistID || a.AlbumID != b.AlbumID ||
			a.TrackNumber != b.TrackNumber || a.DiscNumber != b.DiscNumber || a.Duration != b.Duration
	case GroupArtwork:
		return a.ArtworkPath != b.ArtworkPath
	case GroupFile:
		return a.FileSize != b.FileSize || a.Bitrate != b.Bitrate || a.MimeType != b.MimeType ||
			a.ContentHash != b.ContentHash || !a.RemoteModifiedAt.Equal(b.RemoteModifiedAt)
	}
	return false
}

func copyMetadata(dst, src *models.Track) {
	dst.Title = src.Title
	dst.ArtistID = src.ArtistID
	dst.AlbumID = src.AlbumID
	dst.TrackNumber = src.TrackNumber
	dst.DiscNumber = src.DiscNumber
	dst.Duration = src.Duration
	dst.MetadataModifiedAt = src.MetadataModifiedAt
}

func copyFile(dst, src *models.Track) {
	dst.FileName = src.FileName
	dst.FileSize = src.FileSize
	dst.Bitrate = src.Bitrate
	dst.MimeType = src.MimeType
	dst.ContentHash = src.ContentHash
	dst.RemoteModifiedAt = src.RemoteModifiedAt
	dst.FileModifiedAt = src.FileModifiedAt
}

// fillMissing copies remote values into zero-valued fields of dst.
func fillMissing(dst, src *models.Track) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.ArtistID == "" {
		dst.ArtistID = src.ArtistID
	}
	if dst.AlbumID == "" {
		dst.AlbumID = src.AlbumID
	}
	if dst.TrackNumber == 0 {
		dst.TrackNumber = src.TrackNumber
	}
	if dst.DiscNumber == 0 {
		dst.DiscNumber = src.DiscNumber
	}
	if dst.Duration == 0 {
		dst.Duration = src.Duration
	}
	if dst.ArtworkPath == "" && src.ArtworkPath != "" {
		dst.ArtworkPath = src.ArtworkPath
		dst.ArtworkModifiedAt = src.ArtworkModifiedAt
	}
	if dst.Bitrate == 0 {
		dst.Bitrate = src.Bitrate
	}
	if dst.MimeType == "" {
		dst.MimeType = src.MimeType
	}
	if dst.ContentHash == "" {
		dst.ContentHash = src.ContentHash
	}
}
