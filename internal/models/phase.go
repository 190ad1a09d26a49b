package models

import (
	"fmt"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// Phase identifies the step a sync job is executing.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhaseDiscovering
	PhaseEnqueueing
	PhaseProcessing
	PhaseDuplicates
	PhaseRenames
	PhaseDeletions
	PhaseFinalizing
	PhaseDone
)

var phaseNames = [...]string{
	PhaseIdle:        "idle",
	PhaseValidating:  "validating",
	PhaseDiscovering: "discovering",
	PhaseEnqueueing:  "enqueueing",
	PhaseProcessing:  "processing",
	PhaseDuplicates:  "duplicates",
	PhaseRenames:     "renames",
	PhaseDeletions:   "deletions",
	PhaseFinalizing:  "finalizing",
	PhaseDone:        "done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// IsConflictPhase reports whether p belongs to conflict resolution.
func (p Phase) IsConflictPhase() bool {
	return p == PhaseDuplicates || p == PhaseRenames || p == PhaseDeletions
}

func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return PhaseIdle, fmt.Errorf("%w: unknown phase %q", shared.ErrInvalidInput, s)
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
