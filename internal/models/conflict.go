package models

import (
	"fmt"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// ConflictPolicy decides how diverging copies of the same track are reconciled.
type ConflictPolicy int

const (
	KeepNewest ConflictPolicy = iota // default
	KeepBoth
	UserPrompt
)

func (p ConflictPolicy) String() string {
	switch p {
	case KeepBoth:
		return "keep_both"
	case UserPrompt:
		return "user_prompt"
	default:
		return "keep_newest"
	}
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "keep_newest":
		return KeepNewest, nil
	case "keep_both":
		return KeepBoth, nil
	case "user_prompt":
		return UserPrompt, nil
	}
	return KeepNewest, fmt.Errorf("%w: %q", shared.ErrUnsupportedPolicy, s)
}

// DuplicateSet groups active tracks of one profile and provider sharing a content hash.
type DuplicateSet struct {
	ProfileID   string   `json:"profile_id"`
	ProviderID  string   `json:"provider_id"`
	ContentHash string   `json:"content_hash"`
	Tracks      []*Track `json:"-"`
	TotalSize   int64    `json:"total_size"`
	WastedSpace int64    `json:"wasted_space"` // TotalSize minus the largest copy
}

// NewDuplicateSet computes size totals for tracks.
func NewDuplicateSet(hash string, tracks []*Track) DuplicateSet {
	set := DuplicateSet{ContentHash: hash, Tracks: tracks}
	if len(tracks) > 0 {
		set.ProfileID, set.ProviderID = tracks[0].ProfileID, tracks[0].ProviderID
	}
	var largest int64
	for _, t := range tracks {
		set.TotalSize += t.FileSize
		largest = max(largest, t.FileSize)
	}
	set.WastedSpace = set.TotalSize - largest
	return set
}

func (s DuplicateSet) Count() int {
	return len(s.Tracks)
}

// ConflictResolutionStats are per-run conflict counters.
type ConflictResolutionStats struct {
	DuplicatesDetected int   `json:"duplicates_detected"`
	DuplicatesResolved int   `json:"duplicates_resolved"`
	RenamesResolved    int   `json:"renames_resolved"`
	DeletionsSoft      int   `json:"deletions_soft"`
	DeletionsHard      int   `json:"deletions_hard"`
	SpaceReclaimed     int64 `json:"space_reclaimed"`
}

// Add accumulates o into s.
func (s *ConflictResolutionStats) Add(o ConflictResolutionStats) {
	s.DuplicatesDetected += o.DuplicatesDetected
	s.DuplicatesResolved += o.DuplicatesResolved
	s.RenamesResolved += o.RenamesResolved
	s.DeletionsSoft += o.DeletionsSoft
	s.DeletionsHard += o.DeletionsHard
	s.SpaceReclaimed += o.SpaceReclaimed
}
