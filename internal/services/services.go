// package services defines the collaborator contracts the sync engine consumes
//
// Google Drive, OAuth sessions, network state
package services

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// StorageProvider is a remote file catalog the sync engine reconciles against.
type StorageProvider interface {
	// ID returns the provider identifier stored on tracks (e.g. "gdrive").
	ID() string

	// ListMedia returns one page of the catalog starting at cursor.
	// An empty cursor starts from the beginning; an empty NextCursor marks the last page.
	ListMedia(ctx context.Context, cursor string) (MediaPage, error)

	// Download returns the bytes of fileID. A nil rng downloads the whole file.
	Download(ctx context.Context, fileID string, rng *ByteRange) ([]byte, error)

	// GetChanges returns the files changed or removed since cursor.
	GetChanges(ctx context.Context, cursor string) (ChangeSet, error)
}

// ChangeCursorSource is implemented by providers that can hand out a change token
// marking "now", used to seed incremental syncs after a full pass.
type ChangeCursorSource interface {
	StartCursor(ctx context.Context) (string, error)
}

// RemoteFile is one file as reported by a provider.
type RemoteFile struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	ModifiedAt time.Time
	// ContentHash is provider supplied ("md5:<hex>") and empty when unavailable.
	ContentHash string
}

// ByteRange is an inclusive range of bytes. End < 0 reads to the end of the file.
type ByteRange struct {
	Start int64
	End   int64
}

// Header returns the value of an HTTP Range header for r.
func (r ByteRange) Header() string {
	if r.End < 0 {
		return "bytes=" + strconv.FormatInt(r.Start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10)
}

// Len returns the number of bytes covered, or -1 for an open range.
func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

type MediaPage struct {
	Files      []RemoteFile
	NextCursor string
}

// ChangeSet is one page of a provider change feed.
//
// NextCursor continues the current feed; NewStartCursor is set on the last page and is
// the token to store for the next incremental run.
type ChangeSet struct {
	Changed        []RemoteFile
	Removed        []string
	NextCursor     string
	NewStartCursor string
}

// Session is an authenticated provider session for a profile.
type Session struct {
	ProfileID  string
	ProviderID string
	Account    string
	Token      *oauth2.Token

	source oauth2.TokenSource
}

// Valid reports whether the session carries a usable token.
func (s *Session) Valid() bool {
	return s != nil && s.Token != nil && s.Token.Valid()
}

// Client returns an HTTP client that authorizes requests with the session token,
// refreshing it when the session was created with a refreshing source.
func (s *Session) Client(ctx context.Context) *http.Client {
	if s.source != nil {
		return oauth2.NewClient(ctx, s.source)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(s.Token))
}

// AuthManager resolves the current session for a profile.
type AuthManager interface {
	CurrentSession(ctx context.Context, profileID string) (*Session, error)
}

type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
)

type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkEthernet NetworkType = "ethernet"
	NetworkCellular NetworkType = "cellular"
	NetworkUnknown  NetworkType = "unknown"
)

type NetworkInfo struct {
	Status  NetworkStatus
	Type    NetworkType
	Metered bool
}

// NetworkMonitor reports the host's network state.
type NetworkMonitor interface {
	NetworkInfo(ctx context.Context) (NetworkInfo, error)
}

// ProviderFactory builds the storage provider for an authenticated session.
type ProviderFactory func(ctx context.Context, session *Session) (StorageProvider, error)
