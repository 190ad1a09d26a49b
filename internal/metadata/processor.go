package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

const (
	DefaultHeaderBytes     int64 = 256 * 1024
	DefaultDownloadTimeout       = 60 * time.Second
)

// TimeoutError reports a download that exceeded its time budget.
type TimeoutError struct {
	Seconds float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("download timed out after %.0fs", e.Seconds)
}

func (e *TimeoutError) Unwrap() error {
	return shared.ErrTimeout
}

// JobContext identifies the profile and provider an item is processed for.
type JobContext struct {
	JobID      string
	ProfileID  string
	ProviderID string
}

func (j JobContext) scope() repositories.TrackScope {
	return repositories.TrackScope{ProfileID: j.ProfileID, ProviderID: j.ProviderID}
}

// Result describes what processing one item did.
type Result struct {
	IsNew   bool
	Updated bool
	Skipped bool
	// Reason is set when Skipped: "exists", "suppressed" or "unchanged".
	Reason          string
	TrackID         string
	BytesDownloaded int64
	ProcessingTime  time.Duration
}

// Processor downloads a work item, extracts its metadata and upserts the matching track.
type Processor struct {
	store     *repositories.Store
	extractor Extractor
	fs        FileSystem
	artwork   ArtworkStore

	policy          models.ConflictPolicy
	fullDownload    bool
	headerBytes     int64
	downloadTimeout time.Duration
	reprocess       bool
	logger          *log.Logger
}

type ProcessorOption func(*Processor)

// WithFullDownload downloads whole files instead of the first headerBytes, which also
// lets the processor hash content the provider did not hash.
func WithFullDownload(full bool) ProcessorOption {
	return func(p *Processor) { p.fullDownload = full }
}

func WithHeaderBytes(n int64) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.headerBytes = n
		}
	}
}

func WithDownloadTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.downloadTimeout = d
		}
	}
}

// WithReprocess re-extracts files that already have a track.
func WithReprocess(reprocess bool) ProcessorOption {
	return func(p *Processor) { p.reprocess = reprocess }
}

func WithMergePolicy(policy models.ConflictPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = policy }
}

// WithArtworkStore enables artwork extraction.
func WithArtworkStore(s ArtworkStore) ProcessorOption {
	return func(p *Processor) { p.artwork = s }
}

func WithProcessorLogger(l *log.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProcessor(store *repositories.Store, extractor Extractor, fs FileSystem, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:           store,
		extractor:       extractor,
		fs:              fs,
		policy:          models.KeepNewest,
		headerBytes:     DefaultHeaderBytes,
		downloadTimeout: DefaultDownloadTimeout,
		logger:          shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one work item end to end. The temporary copy of the file is removed on every path.
func (p *Processor) Process(ctx context.Context, job JobContext, provider services.StorageProvider, item *models.WorkItem) (result Result, err error) {
	start := time.Now()
	defer func() { result.ProcessingTime = time.Since(start) }()

	logger := shared.WithLogger(p.logger, "job_id", job.JobID, "file", item.RemoteFileID)

	existing, err := p.store.Tracks.GetByProviderFileID(ctx, job.ProviderID, item.RemoteFileID)
	switch {
	case err == nil:
		if !p.reprocess && !remoteChanged(existing, item) {
			return Result{Skipped: true, Reason: "exists", TrackID: existing.ID}, nil
		}
	case repositories.IsNotFound(err):
		suppressed, err := p.store.Tracks.IsSuppressedDuplicate(ctx, job.scope(), item.RemoteFileID)
		if err != nil {
			return Result{}, err
		}
		if suppressed {
			return Result{Skipped: true, Reason: "suppressed"}, nil
		}
	default:
		return Result{}, err
	}

	data, full, err := p.download(ctx, provider, item)
	if err != nil {
		return Result{}, err
	}
	result.BytesDownloaded = int64(len(data))

	scope, err := p.fs.Scope(item.RemoteFileID)
	if err != nil {
		return result, err
	}
	defer func() {
		if cerr := scope.Cleanup(); cerr != nil {
			logger.Warn("failed to clean up temp dir", "dir", scope.Dir(), "err", cerr)
		}
	}()

	path, err := scope.WriteFile(item.Name, data)
	if err != nil {
		return result, err
	}

	extracted, err := p.extractor.ExtractFromFile(ctx, path)
	if err != nil {
		if !errors.Is(err, shared.ErrExtraction) {
			err = fmt.Errorf("%w: %w", shared.ErrExtraction, err)
		}
		return result, err
	}

	remote := p.buildTrack(job, item, extracted)
	if remote.ContentHash == "" && full {
		sum := sha256.Sum256(data)
		remote.ContentHash = "sha256:" + hex.EncodeToString(sum[:])
	}

	if p.artwork != nil && extracted.Artwork != nil {
		key := item.RemoteFileID
		if extracted.Album != "" {
			key = shared.NormalizeName(extracted.Artist + " " + extracted.Album)
		}
		artPath, err := p.artwork.Save(ctx, key, extracted.Artwork)
		if err != nil {
			logger.Warn("failed to save artwork", "err", err)
		} else {
			remote.ArtworkPath = artPath
		}
	}

	outcome, err := p.persist(ctx, remote, extracted)
	if err != nil {
		return result, err
	}
	result.TrackID = remote.ID
	result.IsNew = outcome == outcomeCreated
	result.Updated = outcome == outcomeUpdated
	if outcome == outcomeUnchanged {
		result.Skipped, result.Reason = true, "unchanged"
	}

	logger.Debug("item processed", "track", remote.ID, "new", result.IsNew, "bytes", result.BytesDownloaded)
	return result, nil
}

// remoteChanged reports whether the provider's copy differs from what the track recorded.
func remoteChanged(t *models.Track, item *models.WorkItem) bool {
	if item.ContentHash != "" && t.ContentHash != "" && item.ContentHash != t.ContentHash {
		return true
	}
	return item.ModifiedAt.After(t.RemoteModifiedAt)
}

func (p *Processor) download(ctx context.Context, provider services.StorageProvider, item *models.WorkItem) ([]byte, bool, error) {
	var rng *services.ByteRange
	if !p.fullDownload && (item.Size <= 0 || item.Size > p.headerBytes) {
		rng = &services.ByteRange{Start: 0, End: p.headerBytes - 1}
	}

	dctx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	defer cancel()

	data, err := provider.Download(dctx, item.RemoteFileID, rng)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, &TimeoutError{Seconds: p.downloadTimeout.Seconds()}
		}
		return nil, false, err
	}
	full := rng == nil || (item.Size > 0 && int64(len(data)) >= item.Size)
	return data, full, nil
}

func (p *Processor) buildTrack(job JobContext, item *models.WorkItem, e *Extracted) *models.Track {
	title := e.Title
	if title == "" {
		title = shared.FileStem(item.Name)
	}

	duration, bitrate := e.Duration, e.Bitrate
	switch {
	case duration == 0 && bitrate > 0 && item.Size > 0:
		duration = time.Duration(float64(item.Size) * 8 / float64(bitrate*1000) * float64(time.Second))
	case bitrate == 0 && duration > 0 && item.Size > 0:
		bitrate = int(float64(item.Size) * 8 / duration.Seconds() / 1000)
	}

	modified := item.ModifiedAt
	if modified.IsZero() {
		modified = time.Now().UTC()
	}

	return &models.Track{
		ProfileID:          job.ProfileID,
		ProviderID:         job.ProviderID,
		ProviderFileID:     item.RemoteFileID,
		FileName:           item.Name,
		Title:              title,
		TrackNumber:        e.TrackNumber,
		DiscNumber:         e.DiscNumber,
		Duration:           duration,
		Bitrate:            bitrate,
		FileSize:           item.Size,
		MimeType:           item.MimeType,
		ContentHash:        item.ContentHash,
		RemoteModifiedAt:   item.ModifiedAt,
		MetadataModifiedAt: modified,
		ArtworkModifiedAt:  modified,
		FileModifiedAt:     modified,
	}
}

type persistOutcome int

const (
	outcomeCreated persistOutcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// persist resolves artist and album and writes the track in one transaction.
func (p *Processor) persist(ctx context.Context, remote *models.Track, e *Extracted) (persistOutcome, error) {
	var outcome persistOutcome

	err := p.store.WithTx(ctx, func(r *repositories.Repositories) error {
		artist, err := r.Artists.FindOrCreate(ctx, e.Artist)
		if err != nil {
			return err
		}
		artistID := ""
		if artist != nil {
			artistID = artist.ID
		}
		remote.ArtistID = artistID

		album, err := r.Albums.FindOrCreate(ctx, e.Album, artistID, e.Year)
		if err != nil {
			return err
		}
		if album != nil {
			remote.AlbumID = album.ID
			if remote.ArtworkPath != "" && album.ArtworkPath == "" {
				if err := r.Albums.SetArtwork(ctx, album.ID, remote.ArtworkPath); err != nil {
					return err
				}
			}
		}

		local, err := r.Tracks.GetByProviderFileID(ctx, remote.ProviderID, remote.ProviderFileID)
		switch {
		case repositories.IsNotFound(err):
			outcome = outcomeCreated
			return r.Tracks.Create(ctx, remote)
		case err != nil:
			return err
		}

		merged, err := conflicts.MergeMetadata(local, remote, p.policy)
		if err != nil {
			return err
		}
		if merged.NeedsPrompt() {
			p.logger.Info("metadata conflict awaiting decision", "track", local.ID, "groups", merged.Conflicts)
		}

		track := merged.Track
		if merged.KeepBoth || trackEqual(local, &track) {
			*remote = *local
			outcome = outcomeUnchanged
			return nil
		}
		if err := r.Tracks.Update(ctx, &track); err != nil {
			return err
		}
		*remote = track
		outcome = outcomeUpdated
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

func trackEqual(a, b *models.Track) bool {
	return a.Title == b.Title && a.ArtistID == b.ArtistID && a.AlbumID == b.AlbumID &&
		a.TrackNumber == b.TrackNumber && a.DiscNumber == b.DiscNumber && a.Duration == b.Duration &&
		a.Bitrate == b.Bitrate && a.FileSize == b.FileSize && a.MimeType == b.MimeType &&
		a.ContentHash == b.ContentHash && a.ArtworkPath == b.ArtworkPath && a.FileName == b.FileName &&
		a.RemoteModifiedAt.Equal(b.RemoteModifiedAt)
}
