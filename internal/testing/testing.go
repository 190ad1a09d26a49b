// package testing contains shared test doubles and helpers
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// NewTestStore opens a migrated in-memory database.
func NewTestStore(t *testing.T) *repositories.Store {
	t.Helper()
	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repositories.NewStore(db)
}

// MockProvider is an in-memory [services.StorageProvider].
//
// Files are listed in insertion order, PageSize per page. Content defaults to a
// deterministic byte pattern of the file's size.
type MockProvider struct {
	ProviderID string
	PageSize   int

	// ListErr fails ListMedia calls for pages at or after ListErrAt.
	ListErr   error
	ListErrAt int

	// DownloadHook runs before each download; a non-nil error fails it.
	DownloadHook func(ctx context.Context, fileID string) error

	Changes      []services.ChangeSet
	ChangesErr   error
	StartToken   string
	mu           sync.Mutex
	files        []services.RemoteFile
	content      map[string][]byte
	listCalls    int
	downloads    map[string]int
	changeCursor []string
}

func NewMockProvider(files ...services.RemoteFile) *MockProvider {
	p := &MockProvider{
		ProviderID: "mock",
		PageSize:   100,
		content:    make(map[string][]byte),
		downloads:  make(map[string]int),
	}
	p.files = append(p.files, files...)
	return p
}

func (p *MockProvider) ID() string { return p.ProviderID }

// SetFiles replaces the catalog.
func (p *MockProvider) SetFiles(files ...services.RemoteFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append([]services.RemoteFile(nil), files...)
}

func (p *MockProvider) SetContent(fileID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content[fileID] = data
}

func (p *MockProvider) ListMedia(ctx context.Context, cursor string) (services.MediaPage, error) {
	if err := ctx.Err(); err != nil {
		return services.MediaPage{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &start); err != nil {
			return services.MediaPage{}, fmt.Errorf("%w: bad cursor %q", shared.ErrProviderRequest, cursor)
		}
	}
	page := start / max(p.PageSize, 1)
	p.listCalls++
	if p.ListErr != nil && page >= p.ListErrAt {
		return services.MediaPage{}, p.ListErr
	}

	end := min(start+max(p.PageSize, 1), len(p.files))
	out := services.MediaPage{Files: append([]services.RemoteFile(nil), p.files[min(start, end):end]...)}
	if end < len(p.files) {
		out.NextCursor = fmt.Sprintf("page-%d", end)
	}
	return out, nil
}

func (p *MockProvider) Download(ctx context.Context, fileID string, rng *services.ByteRange) ([]byte, error) {
	if p.DownloadHook != nil {
		if err := p.DownloadHook(ctx, fileID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloads[fileID]++

	data, ok := p.content[fileID]
	if !ok {
		var size int64 = -1
		for _, f := range p.files {
			if f.ID == fileID {
				size = f.Size
			}
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: %s", shared.ErrNotFound, fileID)
		}
		data = make([]byte, min(size, 1<<20))
		for i := range data {
			data[i] = byte(i)
		}
	}
	if rng != nil {
		end := int64(len(data))
		if n := rng.Len(); n >= 0 {
			end = min(end, rng.Start+n)
		}
		data = data[min(rng.Start, end):end]
	}
	return append([]byte(nil), data...), nil
}

func (p *MockProvider) GetChanges(ctx context.Context, cursor string) (services.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return services.ChangeSet{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changeCursor = append(p.changeCursor, cursor)
	if p.ChangesErr != nil {
		return services.ChangeSet{}, p.ChangesErr
	}
	if len(p.Changes) == 0 {
		return services.ChangeSet{NewStartCursor: cursor}, nil
	}
	set := p.Changes[0]
	p.Changes = p.Changes[1:]
	return set, nil
}

func (p *MockProvider) StartCursor(context.Context) (string, error) {
	return p.StartToken, nil
}

func (p *MockProvider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

// Downloads returns how often fileID was downloaded.
func (p *MockProvider) Downloads(fileID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads[fileID]
}

// ChangeCursors returns the cursors GetChanges was called with.
func (p *MockProvider) ChangeCursors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.changeCursor...)
}

// AudioFile builds a remote mp3 file for tests.
func AudioFile(id, name string, size int64, hash string) services.RemoteFile {
	return services.RemoteFile{
		ID:          id,
		Name:        name,
		MimeType:    "audio/mpeg",
		Size:        size,
		ModifiedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ContentHash: hash,
	}
}

// MockExtractor returns canned metadata keyed by file name (the base name of the extracted path).
type MockExtractor struct {
	mu      sync.Mutex
	byName  map[string]*metadata.Extracted
	errs    map[string]error
	paths   []string
	Default func(path string) *metadata.Extracted
}

func NewMockExtractor() *MockExtractor {
	return &MockExtractor{byName: make(map[string]*metadata.Extracted), errs: make(map[string]error)}
}

func (m *MockExtractor) Set(name string, e *metadata.Extracted) *MockExtractor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[name] = e
	return m
}

func (m *MockExtractor) Fail(name string, err error) *MockExtractor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[name] = err
	return m
}

func (m *MockExtractor) ExtractFromFile(ctx context.Context, path string) (*metadata.Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrExtraction, err)
	}

	name := filepath.Base(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)

	if err, ok := m.errs[name]; ok {
		return nil, err
	}
	if e, ok := m.byName[name]; ok {
		cp := *e
		return &cp, nil
	}
	if m.Default != nil {
		return m.Default(path), nil
	}
	return &metadata.Extracted{Title: shared.FileStem(name), Bitrate: 128}, nil
}

// Paths returns every path the extractor was asked to read.
func (m *MockExtractor) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

// MockAuthManager hands out static sessions; profiles listed in Invalid fail.
type MockAuthManager struct {
	ProviderID string
	Invalid    map[string]error
}

func (m *MockAuthManager) CurrentSession(ctx context.Context, profileID string) (*services.Session, error) {
	if err, ok := m.Invalid[profileID]; ok {
		return nil, err
	}
	provider := m.ProviderID
	if provider == "" {
		provider = "mock"
	}
	return &services.Session{
		ProfileID:  profileID,
		ProviderID: provider,
		Account:    profileID + "@example.com",
		Token:      &oauth2.Token{AccessToken: "token-" + profileID, Expiry: time.Now().Add(time.Hour)},
	}, nil
}

// RecordingBus captures emitted events in order.
type RecordingBus struct {
	mu     sync.Mutex
	events []models.SyncEvent
	OnEmit func(models.SyncEvent)
}

func (b *RecordingBus) Emit(_ context.Context, e models.SyncEvent) {
	b.mu.Lock()
	b.events = append(b.events, e)
	hook := b.OnEmit
	b.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (b *RecordingBus) Events() []models.SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.SyncEvent(nil), b.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (b *RecordingBus) Kinds() []models.SyncEventKind {
	events := b.Events()
	kinds := make([]models.SyncEventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Phases returns the distinct progress phases in the order first seen.
func (b *RecordingBus) Phases() []models.Phase {
	seen := map[models.Phase]bool{}
	var phases []models.Phase
	for _, e := range b.Events() {
		if e.Progress == nil || seen[e.Progress.Phase] {
			continue
		}
		seen[e.Progress.Phase] = true
		phases = append(phases, e.Progress.Phase)
	}
	return phases
}

// MockNetworkMonitor reports Info or Err.
type MockNetworkMonitor struct {
	Info services.NetworkInfo
	Err  error
}

func (m *MockNetworkMonitor) NetworkInfo(context.Context) (services.NetworkInfo, error) {
	return m.Info, m.Err
}

// SortedIDs returns the provider file ids of tracks, sorted.
func SortedIDs(tracks []*models.Track) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ProviderFileID
	}
	sort.Strings(ids)
	return ids
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
