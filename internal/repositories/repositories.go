package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// DBTX is the subset of [sql.DB] and [sql.Tx] used by repositories.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repositories groups every repository bound to one [DBTX].
type Repositories struct {
	Tracks    *TrackRepository
	Artists   *ArtistRepository
	Albums    *AlbumRepository
	Profiles  *ProfileRepository
	Jobs      *SyncJobRepository
	WorkItems *WorkItemRepository
	Cursors   *CursorRepository
}

func newRepositories(q DBTX) *Repositories {
	return &Repositories{
		Tracks:    NewTrackRepository(q),
		Artists:   NewArtistRepository(q),
		Albums:    NewAlbumRepository(q),
		Profiles:  NewProfileRepository(q),
		Jobs:      NewSyncJobRepository(q),
		WorkItems: NewWorkItemRepository(q),
		Cursors:   NewCursorRepository(q),
	}
}

// Store owns the database handle and exposes repositories bound to it.
type Store struct {
	*Repositories
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{Repositories: newRepositories(db), db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn with repositories bound to a new transaction.
//
// The transaction commits when fn returns nil and rolls back when it returns an error or panics.
// fn must only use the repositories it is given.
func (s *Store) WithTx(ctx context.Context, fn func(r *Repositories) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("failed to rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(newRepositories(tx)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NextSequence atomically increments and returns the next sequence number for the given table.
//
// Sequence numbers provide human-readable ordering for entities (e.g., track #42, job #15).
// They are NOT exposed in CLI output but used internally for sorting and debugging.
func NextSequence(ctx context.Context, q DBTX, table string) (int64, error) {
	var sequence int64
	query := fmt.Sprintf("UPDATE %s_sequence SET value = value + 1 WHERE id = 1 RETURNING value", table)
	if err := q.QueryRowContext(ctx, query).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}
	return sequence, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool {
	if errors.Is(err, shared.ErrDuplicate) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKey reports whether err is a foreign key violation.
func IsForeignKey(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsUnrecoverable reports storage failures that no retry or skip can work around:
// a closed handle, corruption, a full disk or a read-only database.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrFull, sqlite3.ErrIoErr,
			sqlite3.ErrCantOpen, sqlite3.ErrReadonly, sqlite3.ErrPerm:
			return true
		}
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// wrapDuplicate tags uniqueness violations with [shared.ErrDuplicate].
func wrapDuplicate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if IsDuplicate(err) {
		return fmt.Errorf("%w: %s: %w", shared.ErrDuplicate, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// checkAffected converts a zero row count into a not-found error.
func checkAffected(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %s", shared.ErrNotFound, what, id)
	}
	return nil
}

// escapeLike escapes LIKE wildcards; queries using it declare ESCAPE '\'.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// timeOrNil stores zero times as NULL.
func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func ptrTimeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeOrNil(*t)
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

func ptrFromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
