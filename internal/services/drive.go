// Google Drive v3 implementation of [StorageProvider]
//
// Drive API reference: https://developers.google.com/drive/api/reference/rest/v3
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/desertthunder/tapedeck/internal/metrics"
	"github.com/desertthunder/tapedeck/internal/shared"
)

const (
	DriveProviderID = "gdrive"

	driveFileFields   = "id,name,mimeType,size,modifiedTime,md5Checksum,trashed"
	driveFolderMime   = "application/vnd.google-apps.folder"
	driveListQuery    = "trashed = false and mimeType != '" + driveFolderMime + "'"
	defaultDriveBase  = "https://www.googleapis.com"
	defaultPageSize   = 100
	maxDrivePageSize  = 1000
	driveBreakerName  = "gdrive-api"
	maxDriveErrorBody = 4096
)

// DriveFile is a Drive v3 file resource, limited to the requested fields.
type DriveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size,string"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MD5Checksum  string    `json:"md5Checksum"`
	Trashed      bool      `json:"trashed"`
}

// RemoteFile converts f, surfacing the md5 checksum as a content hash.
func (f DriveFile) RemoteFile() RemoteFile {
	rf := RemoteFile{
		ID:         f.ID,
		Name:       f.Name,
		MimeType:   f.MimeType,
		Size:       f.Size,
		ModifiedAt: f.ModifiedTime,
	}
	if f.MD5Checksum != "" {
		rf.ContentHash = "md5:" + f.MD5Checksum
	}
	return rf
}

type driveFileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []DriveFile `json:"files"`
}

type driveChange struct {
	FileID  string     `json:"fileId"`
	Removed bool       `json:"removed"`
	File    *DriveFile `json:"file"`
}

type driveChangeList struct {
	NextPageToken     string        `json:"nextPageToken"`
	NewStartPageToken string        `json:"newStartPageToken"`
	Changes           []driveChange `json:"changes"`
}

// StatusError is a non-2xx response from the Drive API.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("drive API error: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return shared.ErrTokenExpired
	case e.Code == http.StatusNotFound:
		return shared.ErrNotFound
	default:
		return shared.ErrProviderRequest
	}
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// DriveProvider lists and downloads files from Google Drive.
//
// Every request waits on a rate limiter, runs inside a circuit breaker and is retried
// with exponential backoff on 429 and 5xx responses.
type DriveProvider struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	maxRetries int
	pageSize   int
	timeout    time.Duration
	backoff    func() backoff.BackOff
	logger     *log.Logger
}

type DriveOption func(*DriveProvider)

func WithPageSize(n int) DriveOption {
	return func(d *DriveProvider) {
		if n > 0 {
			d.pageSize = min(n, maxDrivePageSize)
		}
	}
}

func WithDriveLogger(l *log.Logger) DriveOption {
	return func(d *DriveProvider) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithBackOff replaces the retry schedule. Tests use it to retry without sleeping.
func WithBackOff(fn func() backoff.BackOff) DriveOption {
	return func(d *DriveProvider) { d.backoff = fn }
}

// NewDriveProvider creates a provider that issues requests with client, which must
// already authorize them (see [Session.Client]).
func NewDriveProvider(cfg shared.ProviderConfig, client *http.Client, opts ...DriveOption) *DriveProvider {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultDriveBase
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.Burst, 1)

	d := &DriveProvider{
		baseURL:    baseURL,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: max(cfg.MaxRetries, 0),
		pageSize:   defaultPageSize,
		timeout:    cfg.RequestTimeout,
		logger:     shared.NewNopLogger(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker = newDriveBreaker(cfg, d.logger)
	return d
}

func newDriveBreaker(cfg shared.ProviderConfig, logger *log.Logger) *gobreaker.CircuitBreaker[[]byte] {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	metrics.CircuitBreakerState.WithLabelValues(driveBreakerName).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        driveBreakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors say nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (d *DriveProvider) ID() string { return DriveProviderID }

// ListMedia pages through non-trashed, non-folder files.
func (d *DriveProvider) ListMedia(ctx context.Context, cursor string) (MediaPage, error) {
	params := url.Values{}
	params.Set("q", driveListQuery)
	params.Set("pageSize", strconv.Itoa(d.pageSize))
	params.Set("fields", "nextPageToken,files("+driveFileFields+")")
	params.Set("orderBy", "createdTime")
	if cursor != "" {
		params.Set("pageToken", cursor)
	}

	var list driveFileList
	if err := d.getJSON(ctx, "/drive/v3/files?"+params.Encode(), &list); err != nil {
		return MediaPage{}, fmt.Errorf("failed to list files: %w", err)
	}

	page := MediaPage{NextCursor: list.NextPageToken, Files: make([]RemoteFile, 0, len(list.Files))}
	for _, f := range list.Files {
		page.Files = append(page.Files, f.RemoteFile())
	}
	return page, nil
}

// Download fetches the file content, or only rng of it.
func (d *DriveProvider) Download(ctx context.Context, fileID string, rng *ByteRange) ([]byte, error) {
	header := http.Header{}
	if rng != nil {
		header.Set("Range", rng.Header())
	}

	body, err := d.do(ctx, "/drive/v3/files/"+url.PathEscape(fileID)+"?alt=media", header)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", fileID, err)
	}
	// Servers may ignore Range and send the whole file.
	if n := rng.lenOrAll(); n >= 0 && int64(len(body)) > n {
		body = body[:n]
	}
	metrics.BytesDownloaded.Add(float64(len(body)))
	return body, nil
}

func (r *ByteRange) lenOrAll() int64 {
	if r == nil {
		return -1
	}
	return r.Len()
}

// GetChanges returns one page of the change feed starting at cursor.
// Trashed files are reported as removed.
func (d *DriveProvider) GetChanges(ctx context.Context, cursor string) (ChangeSet, error) {
	if cursor == "" {
		return ChangeSet{}, fmt.Errorf("%w: change cursor is required", shared.ErrInvalidArgument)
	}

	params := url.Values{}
	params.Set("pageToken", cursor)
	params.Set("pageSize", strconv.Itoa(d.pageSize))
	params.Set("fields", "nextPageToken,newStartPageToken,changes(fileId,removed,file("+driveFileFields+"))")

	var list driveChangeList
	if err := d.getJSON(ctx, "/drive/v3/changes?"+params.Encode(), &list); err != nil {
		return ChangeSet{}, fmt.Errorf("failed to list changes: %w", err)
	}

	set := ChangeSet{NextCursor: list.NextPageToken, NewStartCursor: list.NewStartPageToken}
	for _, c := range list.Changes {
		switch {
		case c.Removed || c.File == nil || c.File.Trashed:
			set.Removed = append(set.Removed, c.FileID)
		case c.File.MimeType == driveFolderMime:
			continue
		default:
			set.Changed = append(set.Changed, c.File.RemoteFile())
		}
	}
	return set, nil
}

// StartCursor returns the change token for "now".
func (d *DriveProvider) StartCursor(ctx context.Context) (string, error) {
	var resp struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := d.getJSON(ctx, "/drive/v3/changes/startPageToken", &resp); err != nil {
		return "", fmt.Errorf("failed to get start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

func (d *DriveProvider) getJSON(ctx context.Context, path string, result any) error {
	header := http.Header{}
	header.Set("Accept", "application/json")

	body, err := d.do(ctx, path, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", shared.ErrProviderRequest, err)
	}
	return nil
}

// do issues a GET with rate limiting, circuit breaking and retries.
func (d *DriveProvider) do(ctx context.Context, path string, header http.Header) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		body, err := d.breaker.Execute(func() ([]byte, error) {
			return d.request(ctx, path, header)
		})
		if err == nil {
			metrics.ProviderRequests.WithLabelValues("success").Inc()
			return body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ProviderRequests.WithLabelValues("rejected").Inc()
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", shared.ErrServiceUnavailable, err))
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			metrics.ProviderRequests.WithLabelValues("failure").Inc()
			return nil, backoff.Permanent(err)
		}

		metrics.ProviderRequests.WithLabelValues("retry").Inc()
		d.logger.Debug("retrying provider request", "path", path, "attempt", attempt, "err", err)
		if se != nil && se.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int(se.RetryAfter.Seconds()))
		}
		return nil, err
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.backoff()),
		backoff.WithMaxTries(uint(d.maxRetries+1)),
	)
	if err != nil {
		if !errors.Is(err, shared.ErrProviderRequest) && !errors.Is(err, shared.ErrServiceUnavailable) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", shared.ErrProviderRequest, err)
		}
		return nil, err
	}
	return body, nil
}

func (d *DriveProvider) request(ctx context.Context, path string, header http.Header) ([]byte, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxDriveErrorBody))
		se := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, se
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
