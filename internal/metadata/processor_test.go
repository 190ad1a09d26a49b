package metadata_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
	tt "github.com/desertthunder/tapedeck/internal/testing"
)

var job = metadata.JobContext{JobID: "job-1", ProfileID: "profile-1", ProviderID: "mock"}

type fixture struct {
	store     *repositories.Store
	provider  *tt.MockProvider
	extractor *tt.MockExtractor
	root      string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		store:     tt.NewTestStore(t),
		provider:  tt.NewMockProvider(),
		extractor: tt.NewMockExtractor(),
		root:      t.TempDir(),
	}
}

func (f *fixture) processor(t *testing.T, opts ...metadata.ProcessorOption) *metadata.Processor {
	t.Helper()
	fs, err := metadata.NewTempFS(f.root)
	require.NoError(t, err)
	return metadata.NewProcessor(f.store, f.extractor, fs, opts...)
}

// leftovers counts scope directories still present under the temp root.
func (f *fixture) leftovers(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.root, "scans"))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func workItem(f services.RemoteFile) *models.WorkItem {
	return &models.WorkItem{
		RemoteFileID: f.ID,
		Name:         f.Name,
		Size:         f.Size,
		MimeType:     f.MimeType,
		ContentHash:  f.ContentHash,
		ModifiedAt:   f.ModifiedAt,
	}
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("new file creates track", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "Artist - Song.mp3", 1000, "md5:abc")
		f.provider.SetFiles(file)
		f.extractor.Set(file.Name, &metadata.Extracted{Title: "Song", Artist: "Artist", Album: "LP", Year: 2001, Bitrate: 128})

		res, err := f.processor(t).Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.True(t, res.IsNew)
		assert.False(t, res.Skipped)
		assert.EqualValues(t, 1000, res.BytesDownloaded)

		track, err := f.store.Tracks.Get(ctx, res.TrackID)
		require.NoError(t, err)
		assert.Equal(t, "Song", track.Title)
		assert.Equal(t, "profile-1", track.ProfileID)
		assert.Equal(t, "md5:abc", track.ContentHash)
		assert.NotEmpty(t, track.ArtistID)
		assert.NotEmpty(t, track.AlbumID)
		assert.Equal(t, 62*time.Millisecond, track.Duration, "duration estimated from bitrate and size")
		assert.Zero(t, f.leftovers(t))
	})

	t.Run("large files download only the header", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "big.mp3", 10_000, "")
		f.provider.SetFiles(file)

		res, err := f.processor(t, metadata.WithHeaderBytes(64)).Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.EqualValues(t, 64, res.BytesDownloaded)

		track, err := f.store.Tracks.Get(ctx, res.TrackID)
		require.NoError(t, err)
		assert.Empty(t, track.ContentHash, "partial content is never hashed")
		assert.Equal(t, "big", track.Title)
	})

	t.Run("full download hashes unhashed content", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "big.mp3", 10_000, "")
		f.provider.SetFiles(file)

		res, err := f.processor(t, metadata.WithFullDownload(true), metadata.WithHeaderBytes(64)).
			Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.EqualValues(t, 10_000, res.BytesDownloaded)

		track, err := f.store.Tracks.Get(ctx, res.TrackID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(track.ContentHash, "sha256:"), track.ContentHash)
	})

	t.Run("existing track is skipped", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "song.mp3", 500, "md5:abc")
		f.provider.SetFiles(file)
		p := f.processor(t)

		first, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)

		second, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.True(t, second.Skipped)
		assert.Equal(t, "exists", second.Reason)
		assert.Equal(t, first.TrackID, second.TrackID)
		assert.Equal(t, 1, f.provider.Downloads("f1"))
	})

	t.Run("reprocess without changes is unchanged", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "song.mp3", 500, "md5:abc")
		f.provider.SetFiles(file)
		p := f.processor(t, metadata.WithReprocess(true))

		_, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)

		res, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, "unchanged", res.Reason)
		assert.Equal(t, 2, f.provider.Downloads("f1"))
	})

	t.Run("changed remote file updates track", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "song.mp3", 500, "md5:abc")
		f.provider.SetFiles(file)
		f.extractor.Set(file.Name, &metadata.Extracted{Title: "Old Title", Bitrate: 128})
		p := f.processor(t)

		first, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)

		file.ModifiedAt = file.ModifiedAt.Add(time.Hour)
		file.ContentHash = "md5:def"
		f.provider.SetFiles(file)
		f.extractor.Set(file.Name, &metadata.Extracted{Title: "New Title", Bitrate: 128})

		res, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.True(t, res.Updated)
		assert.Equal(t, first.TrackID, res.TrackID)

		track, err := f.store.Tracks.Get(ctx, first.TrackID)
		require.NoError(t, err)
		assert.Equal(t, "New Title", track.Title)
		assert.Equal(t, "md5:def", track.ContentHash)
	})

	t.Run("suppressed duplicate is skipped", func(t *testing.T) {
		f := newFixture(t)
		loser := &models.Track{ProfileID: "profile-1", ProviderID: "mock", ProviderFileID: "f2", FileName: "copy.mp3", Title: "copy"}
		require.NoError(t, f.store.Tracks.Create(ctx, loser))
		require.NoError(t, f.store.Tracks.SoftDelete(ctx, loser.ID, models.DeletionReasonDuplicate))

		file := tt.AudioFile("f2", "copy.mp3", 500, "md5:abc")
		f.provider.SetFiles(file)

		res, err := f.processor(t).Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, "suppressed", res.Reason)
		assert.Zero(t, f.provider.Downloads("f2"))
	})

	t.Run("slow download times out", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "slow.mp3", 500, "")
		f.provider.SetFiles(file)
		f.provider.DownloadHook = func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}

		_, err := f.processor(t, metadata.WithDownloadTimeout(20*time.Millisecond)).
			Process(ctx, job, f.provider, workItem(file))
		require.Error(t, err)

		var timeout *metadata.TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.ErrorIs(t, err, shared.ErrTimeout)
		assert.InDelta(t, 0.02, timeout.Seconds, 0.001)
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "slow.mp3", 500, "")
		f.provider.SetFiles(file)
		cctx, cancel := context.WithCancel(ctx)
		f.provider.DownloadHook = func(ctx context.Context, _ string) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}

		_, err := f.processor(t).Process(cctx, job, f.provider, workItem(file))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, shared.ErrTimeout)
	})

	t.Run("extraction failure cleans up", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "broken.mp3", 500, "")
		f.provider.SetFiles(file)
		f.extractor.Fail(file.Name, errors.New("corrupt header"))

		_, err := f.processor(t).Process(ctx, job, f.provider, workItem(file))
		assert.ErrorIs(t, err, shared.ErrExtraction)
		assert.Len(t, f.extractor.Paths(), 1)
		assert.Zero(t, f.leftovers(t))

		n, err := f.store.Tracks.Count(ctx, "", "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("artists are shared by normalized name", func(t *testing.T) {
		f := newFixture(t)
		a := tt.AudioFile("a", "a.mp3", 500, "md5:a")
		b := tt.AudioFile("b", "b.mp3", 500, "md5:b")
		f.provider.SetFiles(a, b)
		f.extractor.Set("a.mp3", &metadata.Extracted{Title: "A", Artist: "The Band"})
		f.extractor.Set("b.mp3", &metadata.Extracted{Title: "B", Artist: "  the   band "})
		p := f.processor(t)

		ra, err := p.Process(ctx, job, f.provider, workItem(a))
		require.NoError(t, err)
		rb, err := p.Process(ctx, job, f.provider, workItem(b))
		require.NoError(t, err)

		ta, _ := f.store.Tracks.Get(ctx, ra.TrackID)
		tb, _ := f.store.Tracks.Get(ctx, rb.TrackID)
		assert.Equal(t, ta.ArtistID, tb.ArtistID)
	})

	t.Run("artwork is saved and attached to the album", func(t *testing.T) {
		f := newFixture(t)
		file := tt.AudioFile("f1", "cover.mp3", 500, "md5:abc")
		f.provider.SetFiles(file)
		f.extractor.Set(file.Name, &metadata.Extracted{
			Title:   "Cover",
			Artist:  "Artist",
			Album:   "LP",
			Artwork: &metadata.Artwork{MIMEType: "image/png", Data: []byte("png")},
		})

		p := f.processor(t, metadata.WithArtworkStore(metadata.NewArtworkStoreOn(memfs.New())))
		res, err := p.Process(ctx, job, f.provider, workItem(file))
		require.NoError(t, err)

		track, err := f.store.Tracks.Get(ctx, res.TrackID)
		require.NoError(t, err)
		require.NotEmpty(t, track.ArtworkPath)
		assert.Equal(t, ".png", filepath.Ext(track.ArtworkPath))

		album, err := f.store.Albums.Get(ctx, track.AlbumID)
		require.NoError(t, err)
		assert.Equal(t, track.ArtworkPath, album.ArtworkPath)
	})
}
