// package formatter renders sync job and library reports as JSON, CSV, Markdown or plain text
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Format names an output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
)

// ParseFormat accepts the format names and a few aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "", "txt", "text":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (json, csv, md, txt)", shared.ErrInvalidFlag, s)
	}
}

// RenderJobs renders a job list.
func RenderJobs(format Format, jobs []*models.SyncJob) ([]byte, error) {
	switch format {
	case FormatJSON:
		if jobs == nil {
			jobs = []*models.SyncJob{}
		}
		return shared.MarshalJSON(jobs, true)
	case FormatCSV:
		return JobsToCSV(jobs)
	case FormatMarkdown:
		return JobsToMarkdown(jobs), nil
	default:
		return JobsToText(jobs), nil
	}
}

// RenderJob renders a single job in detail.
func RenderJob(format Format, job *models.SyncJob) ([]byte, error) {
	switch format {
	case FormatJSON:
		return shared.MarshalJSON(job, true)
	case FormatCSV:
		return JobsToCSV([]*models.SyncJob{job})
	case FormatMarkdown:
		return JobToMarkdown(job), nil
	default:
		return JobToText(job), nil
	}
}

// JobsToCSV writes one row per job with columns: ID, Profile, Type, Status, Phase, Discovered, Processed, Failed, Started, Completed, Error
func JobsToCSV(jobs []*models.SyncJob) ([]byte, error) {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		p := j.Progress()
		rows = append(rows, []string{
			j.ID,
			j.ProfileID,
			j.SyncType.String(),
			j.Status().String(),
			p.Phase.String(),
			strconv.Itoa(p.Discovered),
			strconv.Itoa(p.Processed),
			strconv.Itoa(p.Failed),
			formatTime(j.StartedAt()),
			formatTime(j.CompletedAt()),
			j.ErrorMessage(),
		})
	}
	return writeCSV([]string{"ID", "Profile", "Type", "Status", "Phase", "Discovered", "Processed", "Failed", "Started", "Completed", "Error"}, rows)
}

func JobsToMarkdown(jobs []*models.SyncJob) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Sync Jobs\n\n")
	if len(jobs) == 0 {
		buf.WriteString("_No jobs._\n")
		return buf.Bytes()
	}

	buf.WriteString("| Job | Type | Status | Progress | Started |\n")
	buf.WriteString("|---|---|---|---|---|\n")
	for _, j := range jobs {
		p := j.Progress()
		fmt.Fprintf(&buf, "| `%s` | %s | %s | %d/%d (%.0f%%) | %s |\n",
			j.ID, j.SyncType, j.Status(), p.Processed, p.Discovered, p.Percent, formatTime(j.StartedAt()))
	}
	return buf.Bytes()
}

func JobsToText(jobs []*models.SyncJob) []byte {
	var buf bytes.Buffer
	if len(jobs) == 0 {
		buf.WriteString("No jobs.\n")
		return buf.Bytes()
	}
	for _, j := range jobs {
		p := j.Progress()
		fmt.Fprintf(&buf, "%s  %-11s %-9s %-11s %d/%d", j.ID, j.SyncType, j.Status(), p.Phase, p.Processed, p.Discovered)
		if msg := j.ErrorMessage(); msg != "" && j.Status() == models.StatusFailed {
			fmt.Fprintf(&buf, "  %s", msg)
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// JobToText renders a job with its stats.
func JobToText(j *models.SyncJob) []byte {
	var buf bytes.Buffer
	p := j.Progress()

	fmt.Fprintf(&buf, "Job: %s\n", j.ID)
	fmt.Fprintf(&buf, "Profile: %s (%s)\n", j.ProfileID, j.ProviderID)
	fmt.Fprintf(&buf, "Type: %s\n", j.SyncType)
	fmt.Fprintf(&buf, "Status: %s\n", j.Status())
	fmt.Fprintf(&buf, "Phase: %s\n", p.Phase)
	fmt.Fprintf(&buf, "Progress: %d/%d processed, %d failed (%.1f%%)\n", p.Processed, p.Discovered, p.Failed, p.Percent)
	if t := j.StartedAt(); t != nil {
		fmt.Fprintf(&buf, "Started: %s\n", formatTime(t))
	}
	if t := j.CompletedAt(); t != nil {
		fmt.Fprintf(&buf, "Completed: %s\n", formatTime(t))
	}
	if msg := j.ErrorMessage(); msg != "" {
		fmt.Fprintf(&buf, "Error: %s\n", msg)
	}

	if s := j.Stats(); s != nil {
		buf.WriteString("\n")
		for _, row := range statRows(s) {
			fmt.Fprintf(&buf, "%-20s %s\n", row[0]+":", row[1])
		}
	}
	return buf.Bytes()
}

func JobToMarkdown(j *models.SyncJob) []byte {
	var buf bytes.Buffer
	p := j.Progress()

	fmt.Fprintf(&buf, "# Sync Job `%s`\n\n", j.ID)
	fmt.Fprintf(&buf, "**Profile**: %s\n", j.ProfileID)
	fmt.Fprintf(&buf, "**Type**: %s\n", j.SyncType)
	fmt.Fprintf(&buf, "**Status**: %s\n", j.Status())
	fmt.Fprintf(&buf, "**Progress**: %d/%d (%.0f%%)\n", p.Processed, p.Discovered, p.Percent)
	if msg := j.ErrorMessage(); msg != "" {
		fmt.Fprintf(&buf, "**Error**: %s\n", msg)
	}

	if s := j.Stats(); s != nil {
		buf.WriteString("\n## Stats\n\n| Stat | Value |\n|---|---|\n")
		for _, row := range statRows(s) {
			fmt.Fprintf(&buf, "| %s | %s |\n", row[0], row[1])
		}
	}
	return buf.Bytes()
}

func statRows(s *models.SyncJobStats) [][2]string {
	return [][2]string{
		{"Discovered", strconv.Itoa(s.ItemsDiscovered)},
		{"Added", strconv.Itoa(s.ItemsAdded)},
		{"Updated", strconv.Itoa(s.ItemsUpdated)},
		{"Skipped", strconv.Itoa(s.ItemsSkipped)},
		{"Failed", strconv.Itoa(s.ItemsFailed)},
		{"Duplicates resolved", fmt.Sprintf("%d of %d", s.DuplicatesResolved, s.DuplicatesDetected)},
		{"Renames", strconv.Itoa(s.RenamesResolved)},
		{"Deleted", fmt.Sprintf("%d soft, %d hard", s.DeletionsSoft, s.DeletionsHard)},
		{"Space reclaimed", shared.FormatBytes(s.SpaceReclaimed)},
		{"Downloaded", shared.FormatBytes(s.BytesDownloaded)},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
	}
}

type duplicateTrack struct {
	ID       string `json:"id"`
	FileID   string `json:"provider_file_id"`
	FileName string `json:"file_name"`
	Bitrate  int    `json:"bitrate"`
	FileSize int64  `json:"file_size"`
	Primary  bool   `json:"primary"`
}

type duplicateView struct {
	ContentHash string           `json:"content_hash"`
	TotalSize   int64            `json:"total_size"`
	WastedSpace int64            `json:"wasted_space"`
	Tracks      []duplicateTrack `json:"tracks"`
}

// duplicateViews marks the copy deduplication would keep in each set.
func duplicateViews(sets []models.DuplicateSet) []duplicateView {
	views := make([]duplicateView, 0, len(sets))
	for _, set := range sets {
		primary := conflicts.SelectPrimary(set.Tracks)
		v := duplicateView{ContentHash: set.ContentHash, TotalSize: set.TotalSize, WastedSpace: set.WastedSpace}
		for _, t := range set.Tracks {
			v.Tracks = append(v.Tracks, duplicateTrack{
				ID:       t.ID,
				FileID:   t.ProviderFileID,
				FileName: t.FileName,
				Bitrate:  t.Bitrate,
				FileSize: t.FileSize,
				Primary:  primary != nil && primary.ID == t.ID,
			})
		}
		views = append(views, v)
	}
	return views
}

// RenderDuplicates renders duplicate sets, marking the copy that would be kept.
func RenderDuplicates(format Format, sets []models.DuplicateSet) ([]byte, error) {
	views := duplicateViews(sets)

	switch format {
	case FormatJSON:
		return shared.MarshalJSON(views, true)
	case FormatCSV:
		var rows [][]string
		for _, v := range views {
			for _, t := range v.Tracks {
				rows = append(rows, []string{v.ContentHash, t.ID, t.FileID, t.FileName,
					strconv.Itoa(t.Bitrate), strconv.FormatInt(t.FileSize, 10), strconv.FormatBool(t.Primary)})
			}
		}
		return writeCSV([]string{"Hash", "Track", "File ID", "File", "Bitrate", "Size", "Keep"}, rows)
	case FormatMarkdown:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# Duplicates\n\n**Sets**: %d\n**Wasted**: %s\n", len(views), shared.FormatBytes(wasted(sets)))
		for _, v := range views {
			fmt.Fprintf(&buf, "\n## `%s`\n\n", v.ContentHash)
			for _, t := range v.Tracks {
				keep := ""
				if t.Primary {
					keep = "**keep** "
				}
				fmt.Fprintf(&buf, "- %s%s (%d kbps, %s)\n", keep, t.FileName, t.Bitrate, shared.FormatBytes(t.FileSize))
			}
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		if len(views) == 0 {
			buf.WriteString("No duplicates.\n")
			return buf.Bytes(), nil
		}
		for i, v := range views {
			fmt.Fprintf(&buf, "%d. %s (%d copies, %s wasted)\n", i+1, v.ContentHash, len(v.Tracks), shared.FormatBytes(v.WastedSpace))
			for _, t := range v.Tracks {
				fmt.Fprintf(&buf, "   %s %s  %d kbps  %s\n", keepMark(t.Primary, "*"), t.FileName, t.Bitrate, shared.FormatBytes(t.FileSize))
			}
		}
		fmt.Fprintf(&buf, "\nTotal wasted: %s\n", shared.FormatBytes(wasted(sets)))
		return buf.Bytes(), nil
	}
}

// RenderTracks renders a flat track list, used for soft-deleted tracks.
func RenderTracks(format Format, tracks []*models.Track) ([]byte, error) {
	switch format {
	case FormatJSON:
		type view struct {
			ID        string     `json:"id"`
			FileID    string     `json:"provider_file_id"`
			FileName  string     `json:"file_name"`
			Title     string     `json:"title"`
			Hash      string     `json:"content_hash,omitempty"`
			DeletedAt *time.Time `json:"deleted_at,omitempty"`
			Reason    string     `json:"deleted_reason,omitempty"`
		}
		out := make([]view, 0, len(tracks))
		for _, t := range tracks {
			out = append(out, view{t.ID, t.OriginalFileID(), t.FileName, t.Title, t.ContentHash, t.DeletedAt, t.DeletedReason})
		}
		return shared.MarshalJSON(out, true)
	case FormatCSV:
		rows := make([][]string, 0, len(tracks))
		for _, t := range tracks {
			rows = append(rows, []string{t.ID, t.OriginalFileID(), t.FileName, t.Title, shared.FormatDuration(t.Duration),
				strconv.Itoa(t.Bitrate), t.ContentHash, formatTime(t.DeletedAt), t.DeletedReason})
		}
		return writeCSV([]string{"ID", "File ID", "File", "Title", "Duration", "Bitrate", "Hash", "Deleted", "Reason"}, rows)
	case FormatMarkdown:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# Tracks\n\n**Tracks**: %d\n\n", len(tracks))
		for i, t := range tracks {
			fmt.Fprintf(&buf, "%d. %s [%s]%s\n", i+1, t.Title, shared.FormatDuration(t.Duration), deletedSuffix(t))
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		if len(tracks) == 0 {
			buf.WriteString("No tracks.\n")
			return buf.Bytes(), nil
		}
		for _, t := range tracks {
			fmt.Fprintf(&buf, "%s  %s%s\n", t.ID, t.FileName, deletedSuffix(t))
		}
		return buf.Bytes(), nil
	}
}

// WriteReport writes data to path, or returns false when path is empty so the caller prints it.
func WriteReport(path string, data []byte) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write report: %w", err)
	}
	return true, nil
}

func writeCSV(headers []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func wasted(sets []models.DuplicateSet) int64 {
	var n int64
	for _, s := range sets {
		n += s.WastedSpace
	}
	return n
}

func keepMark(primary bool, mark string) string {
	if primary {
		return mark
	}
	return strings.Repeat(" ", len(mark))
}

func deletedSuffix(t *models.Track) string {
	if t.DeletedAt == nil {
		return ""
	}
	return fmt.Sprintf(" (deleted %s, %s)", t.DeletedAt.UTC().Format(time.DateOnly), t.DeletedReason)
}
